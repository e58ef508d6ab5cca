package ledger

import (
	"context"
	"time"
)

//go:generate mockgen -source=storage.go -destination=../mocks/storage_mock.go -package=mocks

// Storage is the read/write contract the engine needs from persistence.
// Lookups of unknown ids return *NotFoundError; anything else is treated as a
// collaborator failure. Invoice lists are ordered by created_at, then id.
type Storage interface {
	InsertCustomer(ctx context.Context, c Customer) error
	UpdateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id string) (Customer, error)
	ListCustomers(ctx context.Context, f CustomerFilter) ([]Customer, error)

	InsertInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoicesByCustomer(ctx context.Context, customerID string) ([]Invoice, error)
	// ListInvoicesInRange returns invoices with start <= created_at < end.
	ListInvoicesInRange(ctx context.Context, start, end time.Time) ([]Invoice, error)

	InsertTransaction(ctx context.Context, tx Transaction) error
	ListTransactionsByCustomer(ctx context.Context, customerID string) ([]Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	InsertProduct(ctx context.Context, p Product) error
	ListProducts(ctx context.Context, search string) ([]Product, error)

	// WithinTx runs fn against a transactional view. Every write made through
	// tx commits together when fn returns nil and is discarded otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
	Ping(ctx context.Context) error
}

// Notifier receives change events after a mutation has committed.
type Notifier interface {
	Publish(ctx context.Context, evt Event)
}

// Metrics records engine outcomes.
type Metrics interface {
	ObserveOperation(op string, err error, took time.Duration)
	ObservePayment(amount Money)
}

// EventType names a ledger change.
type EventType string

const (
	EventCustomerCreated  EventType = "customer.created"
	EventCustomerArchived EventType = "customer.archived"
	EventProductCreated   EventType = "product.created"
	EventInvoiceCreated   EventType = "invoice.created"
	EventInvoiceEdited    EventType = "invoice.lines_edited"
	EventInvoiceVoided    EventType = "invoice.voided"
	EventPaymentApplied   EventType = "payment.applied"
)

// Event is a fully computed change notification.
type Event struct {
	Type          EventType `json:"type"`
	CustomerID    string    `json:"customer_id,omitempty"`
	InvoiceID     string    `json:"invoice_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	Amount        Money     `json:"amount"`
	At            time.Time `json:"at"`

	Customer    *Customer    `json:"customer,omitempty"`
	Invoice     *Invoice     `json:"invoice,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	// Invoices lists every invoice touched by a payment.
	Invoices []Invoice `json:"invoices,omitempty"`
}
