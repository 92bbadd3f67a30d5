package payload

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification is the body of an inbound provider webhook.
type Notification struct {
	EventType string           `json:"eventType"`
	Data      NotificationData `json:"data"`
}

type NotificationData struct {
	ID          string    `json:"id"`
	CheckoutRef string    `json:"checkoutIntentId"`
	Amount      int64     `json:"amount"`
	State       string    `json:"state"`
	Date        time.Time `json:"date"`
	Order       *Order    `json:"order,omitempty"`
	Payer       *Payer    `json:"payer,omitempty"`
}

type Order struct {
	ID       string `json:"id"`
	FormSlug string `json:"formSlug"`
}

type Payer struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Ack is the answer to every webhook delivery.
type Ack struct {
	Received bool   `json:"received"`
	Message  string `json:"message"`
}

// Checkout is the provider answer to a checkout status query. Amount is in
// minor units.
type Checkout struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Amount     int64     `json:"amount"`
	Date       time.Time `json:"date"`
	ReceiptURL string    `json:"receiptUrl"`
}

type Organization struct {
	Slug       string `json:"organizationSlug"`
	Name       string `json:"name"`
	City       string `json:"city"`
	PostalCode string `json:"zipCode"`
	Category   string `json:"category"`
}

type PaymentCompleted struct {
	PaymentID   uuid.UUID       `json:"paymentId"`
	UserID      uuid.UUID       `json:"userId"`
	InvoiceRef  *string         `json:"invoiceRef,omitempty"`
	CheckoutRef string          `json:"checkoutRef"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
}

type PaymentFailed struct {
	PaymentID   uuid.UUID       `json:"paymentId"`
	UserID      uuid.UUID       `json:"userId"`
	CheckoutRef string          `json:"checkoutRef"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
}

type AssociationSynced struct {
	AssociationID uuid.UUID `json:"associationId"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	City          string    `json:"city"`
	SyncedAt      time.Time `json:"syncedAt"`
}
