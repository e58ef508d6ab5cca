package rpc

import (
	"ledgerbook.org/internal/ledger"
)

// Request and response shapes that are not ledger types themselves.

type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type CreateInvoiceRequest struct {
	CustomerID    string            `json:"customer_id"`
	Lines         []ledger.LineItem `json:"lines"`
	CreditApplied ledger.Money      `json:"credit_applied"`
}

type VoidInvoiceRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type ApplyPaymentRequest struct {
	CustomerID     string       `json:"customer_id"`
	Amount         ledger.Money `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}
