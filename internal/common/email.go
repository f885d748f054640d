package common

// EmailSender delivers a single transactional message.
type EmailSender interface {
	Send(to, subject, html string) error
}

// NopEmailSender drops every message. Wired when no mail transport is
// configured so notification failures can never block settlement.
type NopEmailSender struct{}

func (NopEmailSender) Send(string, string, string) error { return nil }

// RecordedEmail is one message captured by RecordingEmailSender.
type RecordedEmail struct {
	To      string
	Subject string
	Body    string
}

// RecordingEmailSender keeps sent messages in memory for inspection.
type RecordingEmailSender struct {
	Sent []RecordedEmail
}

func (r *RecordingEmailSender) Send(to, subject, html string) error {
	r.Sent = append(r.Sent, RecordedEmail{To: to, Subject: subject, Body: html})
	return nil
}
