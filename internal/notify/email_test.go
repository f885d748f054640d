package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/events"
)

func paidEvent(payload string) events.Event {
	return events.Event{
		Topic:      events.TopicOrderPaid,
		OrderRef:   "ord-1",
		Payload:    []byte(payload),
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotifySendsPaymentCompletedMail(t *testing.T) {
	mail := &common.RecordingEmailSender{}
	n := EmailNotifier{Mail: mail, Enabled: true, From: "shop@example.com"}

	err := n.Notify(context.Background(), paidEvent(`{"email":"taro@example.com","sessionId":"cs_1"}`))
	require.NoError(t, err)
	require.Len(t, mail.Sent, 1)
	require.Equal(t, "taro@example.com", mail.Sent[0].To)
	require.Equal(t, "Payment completed", mail.Sent[0].Subject)
	require.Contains(t, mail.Sent[0].Body, "ord-1")
	require.Contains(t, mail.Sent[0].Body, "cs_1")
}

func TestNotifyDisabledSendsNothing(t *testing.T) {
	mail := &common.RecordingEmailSender{}
	n := EmailNotifier{Mail: mail, Enabled: false}

	require.NoError(t, n.Notify(context.Background(), paidEvent(`{"email":"taro@example.com"}`)))
	require.Empty(t, mail.Sent)
}

func TestNotifyHonoursTopicToggle(t *testing.T) {
	mail := &common.RecordingEmailSender{}
	n := EmailNotifier{
		Mail:         mail,
		Enabled:      true,
		TopicToggles: map[string]bool{events.TopicOrderPaid: false},
	}

	require.NoError(t, n.Notify(context.Background(), paidEvent(`{"email":"taro@example.com"}`)))
	require.Empty(t, mail.Sent)
}

func TestNotifyWithoutRecipientIsSkipped(t *testing.T) {
	mail := &common.RecordingEmailSender{}
	n := EmailNotifier{Mail: mail, Enabled: true}

	require.NoError(t, n.Notify(context.Background(), paidEvent(`{"sessionId":"cs_1"}`)))
	require.Empty(t, mail.Sent)
}
