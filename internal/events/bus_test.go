package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yabe-ex/grandpay-gateway/internal/events"
)

type stubStore struct {
	lastTopic   string
	lastRef     string
	lastPayload []byte
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic, orderRef string, payload []byte) (events.Event, error) {
	s.lastTopic = topic
	s.lastRef = orderRef
	s.lastPayload = payload
	return events.Event{
		ID:         uuid.New(),
		Topic:      topic,
		OrderRef:   orderRef,
		Payload:    payload,
		OccurredAt: time.Now(),
	}, nil
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}}

	event, err := bus.Emit(context.Background(), events.TopicOrderPaid, "ord-123", map[string]any{"orderRef": "ord-123"})
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderPaid, store.lastTopic)
	require.Equal(t, "ord-123", store.lastRef)
	require.JSONEq(t, `{"orderRef":"ord-123"}`, string(store.lastPayload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "ord-123", decoded["orderRef"])
}

func TestEmitRequiresTopicAndRef(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}

	_, err := bus.Emit(context.Background(), "  ", "ord-1", nil)
	require.Error(t, err)

	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, "", nil)
	require.Error(t, err)
}

func TestEmitRejectsInvalidJSONPayload(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}

	_, err := bus.Emit(context.Background(), events.TopicPaymentFailed, "ord-1", []byte("{broken"))
	require.Error(t, err)
}
