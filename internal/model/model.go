package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusAuthorized PaymentStatus = "AUTHORIZED"
	StatusCompleted  PaymentStatus = "COMPLETED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusRefunded   PaymentStatus = "REFUNDED"
	StatusCancelled  PaymentStatus = "CANCELLED"
)

type Payment struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	CheckoutRef string          `json:"checkoutRef"`
	InvoiceRef  *string         `json:"invoiceRef,omitempty"`
	ReceiptURL  *string         `json:"receiptUrl,omitempty"`
	PayerEmail  *string         `json:"payerEmail,omitempty"`
	PayerName   *string         `json:"payerName,omitempty"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a copy that can be mutated without touching p.
func (p *Payment) Clone() *Payment {
	c := *p
	return &c
}

type WebhookProcessingRecord struct {
	EventID     string    `json:"eventId"`
	Processed   bool      `json:"processed"`
	ProcessedAt time.Time `json:"processedAt"`
}

// CheckoutSnapshot is the provider's view of a checkout at query time.
type CheckoutSnapshot struct {
	ID         string
	State      string
	Amount     decimal.Decimal
	Date       time.Time
	ReceiptURL string
}

type Association struct {
	ID           uuid.UUID  `json:"id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	City         string     `json:"city"`
	PostalCode   string     `json:"postalCode"`
	Category     string     `json:"category"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type OrganizationSnapshot struct {
	Slug       string
	Name       string
	City       string
	PostalCode string
	Category   string
}

type CleanupOutcome string

const (
	CleanupSuccess        CleanupOutcome = "SUCCESS"
	CleanupPartialFailure CleanupOutcome = "PARTIAL_FAILURE"
	CleanupFailed         CleanupOutcome = "FAILED"
)

type ServiceCleanupResult struct {
	Service string  `json:"service"`
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

// CleanupAudit is the immutable record of one user deletion saga.
type CleanupAudit struct {
	ID          uuid.UUID              `json:"id"`
	UserID      uuid.UUID              `json:"userId"`
	Outcome     CleanupOutcome         `json:"outcome"`
	Services    []ServiceCleanupResult `json:"services"`
	CompletedAt time.Time              `json:"completedAt"`
}
