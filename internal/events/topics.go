package events

// Topic constants for domain events emitted by the gateway.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderPaid      = "order.paid"
	TopicPaymentFailed  = "payment.failed"
	TopicPaymentExpired = "payment.expired"
)
