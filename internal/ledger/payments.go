package ledger

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

const maxIdempotencyKeyLen = 128

// ApplyPayment allocates amount against the customer's open invoices, oldest
// first, and records a single Transaction for the full amount. Invoice updates
// and the transaction commit together or not at all. A payment larger than the
// balance due is rejected with *OverpaymentError and changes nothing.
//
// A non-empty idempotencyKey makes retries safe: repeating a committed payment
// returns the original transaction with Replayed set.
func (e *Engine) ApplyPayment(ctx context.Context, customerID string, amount Money, idempotencyKey string) (res PaymentResult, err error) {
	defer e.observe("apply_payment", time.Now(), &err)
	customerID = strings.TrimSpace(customerID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	switch {
	case customerID == "":
		return PaymentResult{}, invalid("customer_id", "is required")
	case !amount.IsPositive():
		return PaymentResult{}, invalid("amount", "must be > 0")
	case amount > MaxMoney:
		return PaymentResult{}, invalid("amount", "must be at most %s", MaxMoney)
	case len(idempotencyKey) > maxIdempotencyKeyLen:
		return PaymentResult{}, invalid("idempotency_key", "must be at most %d characters", maxIdempotencyKeyLen)
	}

	res, err = e.applyPayment(ctx, customerID, amount, idempotencyKey)
	if err != nil {
		return PaymentResult{}, err
	}
	if e.metrics != nil && !res.Replayed {
		e.metrics.ObservePayment(amount)
	}
	if !res.Replayed {
		txn := res.Transaction
		e.publish(ctx, Event{
			Type:          EventPaymentApplied,
			CustomerID:    customerID,
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Transaction:   &txn,
			Invoices:      cloneInvoices(res.Invoices),
			At:            txn.CreatedAt,
		})
	}
	return res, nil
}

func (e *Engine) applyPayment(ctx context.Context, customerID string, amount Money, key string) (PaymentResult, error) {
	release, err := e.locks.Acquire(ctx, customerID, e.lockTimeout)
	if err != nil {
		return PaymentResult{}, err
	}
	defer release()

	if key != "" {
		prev, err := load(ctx, e, "get transaction", func(ctx context.Context) (Transaction, error) {
			return e.store.GetTransactionByIdempotencyKey(ctx, key)
		})
		switch {
		case err == nil:
			return e.replayPayment(ctx, prev, customerID, amount)
		case !errors.Is(err, ErrNotFound):
			return PaymentResult{}, err
		}
	}

	if _, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
		return e.store.GetCustomer(ctx, customerID)
	}); err != nil {
		return PaymentResult{}, err
	}
	invoices, err := load(ctx, e, "list invoices", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesByCustomer(ctx, customerID)
	})
	if err != nil {
		return PaymentResult{}, err
	}
	touched, allocations, err := allocatePayment(invoices, amount)
	if err != nil {
		return PaymentResult{}, err
	}

	now := e.now()
	for i := range touched {
		touched[i].ModifiedAt = now
	}
	txn := Transaction{
		ID:             e.newID(),
		CustomerID:     customerID,
		Amount:         amount,
		CreatedAt:      now,
		IdempotencyKey: key,
		Allocations:    allocations,
	}
	err = e.call(ctx, "apply payment", func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
			for _, inv := range touched {
				if err := tx.UpdateInvoice(ctx, inv); err != nil {
					return err
				}
			}
			return tx.InsertTransaction(ctx, txn)
		})
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{Invoices: cloneInvoices(touched), Transaction: txn}, nil
}

func (e *Engine) replayPayment(ctx context.Context, prev Transaction, customerID string, amount Money) (PaymentResult, error) {
	if prev.CustomerID != customerID || prev.Amount != amount {
		return PaymentResult{}, invalid("idempotency_key", "already used for a different payment")
	}
	invoices, err := load(ctx, e, "list invoices", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesByCustomer(ctx, customerID)
	})
	if err != nil {
		return PaymentResult{}, err
	}
	byID := make(map[string]Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}
	out := make([]Invoice, 0, len(prev.Allocations))
	for _, a := range prev.Allocations {
		if inv, ok := byID[a.InvoiceID]; ok {
			out = append(out, inv.Clone())
		}
	}
	return PaymentResult{Invoices: out, Transaction: prev, Replayed: true}, nil
}

// allocatePayment spreads amount over invoices with a balance due in
// ascending created_at order (ties by id). It returns updated copies of the
// touched invoices and one allocation per touched invoice.
func allocatePayment(invoices []Invoice, amount Money) ([]Invoice, []Allocation, error) {
	open := make([]Invoice, 0, len(invoices))
	var outstanding Money
	for _, inv := range invoices {
		if due := inv.Due(); due.IsPositive() {
			open = append(open, inv.Clone())
			outstanding = outstanding.Add(due)
		}
	}
	if amount > outstanding {
		return nil, nil, &OverpaymentError{Amount: amount, Outstanding: outstanding}
	}
	slices.SortFunc(open, func(a, b Invoice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	remaining := amount
	var (
		touched     []Invoice
		allocations []Allocation
	)
	for _, inv := range open {
		if remaining.IsZero() {
			break
		}
		take := Min(remaining, inv.Outstanding)
		inv.PaymentsReceived = inv.PaymentsReceived.Add(take)
		inv.Recompute()
		remaining = remaining.Sub(take)
		touched = append(touched, inv)
		allocations = append(allocations, Allocation{InvoiceID: inv.ID, Amount: take})
	}
	return touched, allocations, nil
}
