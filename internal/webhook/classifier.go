package webhook

import (
	"payment-sync-service/internal/fault"
	"payment-sync-service/internal/model"
)

type EventKind string

const (
	PaymentAuthorized EventKind = "PAYMENT_AUTHORIZED"
	PaymentCompleted  EventKind = "PAYMENT_COMPLETED"
	PaymentFailed     EventKind = "PAYMENT_FAILED"
	PaymentRefunded   EventKind = "PAYMENT_REFUNDED"
	OrderCreated      EventKind = "ORDER_CREATED"
)

var eventKinds = map[string]EventKind{
	"Payment.Authorized": PaymentAuthorized,
	"Payment.Completed":  PaymentCompleted,
	"Payment.Failed":     PaymentFailed,
	"Payment.Refunded":   PaymentRefunded,
	"Order.Created":      OrderCreated,
}

// targetStatus is the payment status each kind moves to. Kinds absent here
// carry no payment transition.
var targetStatus = map[EventKind]model.PaymentStatus{
	PaymentAuthorized: model.StatusAuthorized,
	PaymentCompleted:  model.StatusCompleted,
	PaymentFailed:     model.StatusFailed,
	PaymentRefunded:   model.StatusRefunded,
}

// Classify maps a provider event type onto an EventKind. Unknown types are a
// classification fault.
func Classify(eventType string) (EventKind, error) {
	kind, ok := eventKinds[eventType]
	if !ok {
		return "", fault.Classificationf("classify webhook", "unknown event type %q", eventType)
	}
	return kind, nil
}
