package ledger

import (
	"strings"
	"time"

	"ledgerbook.org/internal/ids"
)

// Customer is identity plus address/region attributes.
type Customer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	State      string     `json:"state"`
	District   string     `json:"district"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Archived reports whether the customer was retired.
func (c Customer) Archived() bool { return c.ArchivedAt != nil }

// NewCustomer is the input for CreateCustomer.
type NewCustomer struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	State    string `json:"state"`
	District string `json:"district"`
}

func (n NewCustomer) normalize() NewCustomer {
	return NewCustomer{
		Name:     strings.TrimSpace(n.Name),
		Address:  strings.TrimSpace(n.Address),
		State:    strings.TrimSpace(n.State),
		District: strings.TrimSpace(n.District),
	}
}

// Validate requires every attribute to be present.
func (n NewCustomer) Validate() error {
	n = n.normalize()
	switch {
	case n.Name == "":
		return invalid("name", "is required")
	case n.Address == "":
		return invalid("address", "is required")
	case n.State == "":
		return invalid("state", "is required")
	case n.District == "":
		return invalid("district", "is required")
	}
	return nil
}

// CustomerBalance is a customer with the derived balance due.
type CustomerBalance struct {
	Customer
	BalanceDue   Money `json:"balance_due"`
	OpenInvoices int   `json:"open_invoices"`
}

// CustomerFilter selects customers. Empty fields match everything.
type CustomerFilter struct {
	State           string `json:"state"`
	District        string `json:"district,omitempty"`
	AddressContains string `json:"address_contains,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

// RegionSummary aggregates balance due over a region.
type RegionSummary struct {
	Customers  []CustomerBalance `json:"customers"`
	BalanceDue Money             `json:"balance_due"`
}

// Allocation is the part of a payment applied to one invoice.
type Allocation struct {
	InvoiceID string `json:"invoice_id"`
	Amount    Money  `json:"amount"`
}

// Transaction is the append-only receipt of a payment.
type Transaction struct {
	ID             string       `json:"id"`
	CustomerID     string       `json:"customer_id"`
	Amount         Money        `json:"amount"`
	CreatedAt      time.Time    `json:"created_at"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Allocations    []Allocation `json:"allocations"`
}

// PaymentResult is returned by ApplyPayment.
type PaymentResult struct {
	Invoices    []Invoice   `json:"invoices"`
	Transaction Transaction `json:"transaction"`
	Replayed    bool        `json:"replayed"`
}

// Product is a catalog entry used to prefill invoice lines.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UnitPrice Money     `json:"unit_price"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a stable, complete view of an invoice handed to document renderers.
type Snapshot struct {
	Invoice  Invoice   `json:"invoice"`
	Customer Customer  `json:"customer"`
	TakenAt  time.Time `json:"taken_at"`
}

// IDGenerator produces entity identifiers.
type IDGenerator func() string

func defaultID() string {
	return ids.New()
}
