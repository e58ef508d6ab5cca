package ledger

import (
	"context"
	"slices"
	"strings"
	"time"
)

// GetCustomer returns the customer with its derived balance due.
func (e *Engine) GetCustomer(ctx context.Context, id string) (CustomerBalance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CustomerBalance{}, invalid("customer_id", "is required")
	}
	c, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
		return e.store.GetCustomer(ctx, id)
	})
	if err != nil {
		return CustomerBalance{}, err
	}
	return e.withBalance(ctx, c)
}

// ListCustomersByRegion returns the customers of a state, optionally narrowed
// by district and address substring, each with its balance due. Customers
// without invoices report zero; voided invoices never count.
func (e *Engine) ListCustomersByRegion(ctx context.Context, f CustomerFilter) ([]CustomerBalance, error) {
	f, err := regionFilter(f)
	if err != nil {
		return nil, err
	}
	return e.customerBalances(ctx, f)
}

// RegionBalance totals balance due over the same selection as ListCustomersByRegion.
func (e *Engine) RegionBalance(ctx context.Context, f CustomerFilter) (RegionSummary, error) {
	customers, err := e.ListCustomersByRegion(ctx, f)
	if err != nil {
		return RegionSummary{}, err
	}
	sum := RegionSummary{Customers: customers}
	for _, c := range customers {
		sum.BalanceDue = sum.BalanceDue.Add(c.BalanceDue)
	}
	return sum, nil
}

// TotalOutstanding sums balance due over every customer, archived included.
func (e *Engine) TotalOutstanding(ctx context.Context) (Money, error) {
	customers, err := e.customerBalances(ctx, CustomerFilter{IncludeArchived: true})
	if err != nil {
		return 0, err
	}
	var total Money
	for _, c := range customers {
		total = total.Add(c.BalanceDue)
	}
	return total, nil
}

// GetInvoice returns one invoice, voided or not.
func (e *Engine) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Invoice{}, invalid("invoice_id", "is required")
	}
	inv, err := load(ctx, e, "get invoice", func(ctx context.Context) (Invoice, error) {
		return e.store.GetInvoice(ctx, id)
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv.Clone(), nil
}

// InvoiceSnapshot captures an invoice and its customer at one point in time
// for document rendering.
func (e *Engine) InvoiceSnapshot(ctx context.Context, id string) (Snapshot, error) {
	inv, err := e.GetInvoice(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	c, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
		return e.store.GetCustomer(ctx, inv.CustomerID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Invoice: inv, Customer: c, TakenAt: e.now()}, nil
}

// ListInvoicesByCustomer returns every invoice of a customer, oldest first.
func (e *Engine) ListInvoicesByCustomer(ctx context.Context, customerID string) ([]Invoice, error) {
	if err := e.requireCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	invoices, err := load(ctx, e, "list invoices", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesByCustomer(ctx, strings.TrimSpace(customerID))
	})
	if err != nil {
		return nil, err
	}
	return cloneInvoices(invoices), nil
}

// ListInvoicesInRange returns invoices created in [start, end).
func (e *Engine) ListInvoicesInRange(ctx context.Context, start, end time.Time) ([]Invoice, error) {
	if start.IsZero() || end.IsZero() {
		return nil, invalid("range", "start and end are required")
	}
	if !start.Before(end) {
		return nil, invalid("range", "start must be before end")
	}
	invoices, err := load(ctx, e, "list invoices in range", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesInRange(ctx, start.UTC(), end.UTC())
	})
	if err != nil {
		return nil, err
	}
	return cloneInvoices(invoices), nil
}

// ListTransactions returns a customer's payment history, newest first.
func (e *Engine) ListTransactions(ctx context.Context, customerID string) ([]Transaction, error) {
	if err := e.requireCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	txs, err := load(ctx, e, "list transactions", func(ctx context.Context) ([]Transaction, error) {
		return e.store.ListTransactionsByCustomer(ctx, strings.TrimSpace(customerID))
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return txs, nil
}

// ListProducts returns catalog entries whose name contains search (case-insensitive).
func (e *Engine) ListProducts(ctx context.Context, search string) ([]Product, error) {
	return load(ctx, e, "list products", func(ctx context.Context) ([]Product, error) {
		return e.store.ListProducts(ctx, strings.TrimSpace(search))
	})
}

func (e *Engine) requireCustomer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid("customer_id", "is required")
	}
	_, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
		return e.store.GetCustomer(ctx, id)
	})
	return err
}

func (e *Engine) customerBalances(ctx context.Context, f CustomerFilter) ([]CustomerBalance, error) {
	customers, err := load(ctx, e, "list customers", func(ctx context.Context) ([]Customer, error) {
		return e.store.ListCustomers(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	out := make([]CustomerBalance, 0, len(customers))
	for _, c := range customers {
		cb, err := e.withBalance(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, nil
}

// withBalance derives balance due from a single invoice read so the result
// reflects one committed state.
func (e *Engine) withBalance(ctx context.Context, c Customer) (CustomerBalance, error) {
	invoices, err := load(ctx, e, "list invoices", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesByCustomer(ctx, c.ID)
	})
	if err != nil {
		return CustomerBalance{}, err
	}
	cb := CustomerBalance{Customer: c, BalanceDue: BalanceOf(invoices)}
	for _, inv := range invoices {
		if inv.Due().IsPositive() {
			cb.OpenInvoices++
		}
	}
	return cb, nil
}

func regionFilter(f CustomerFilter) (CustomerFilter, error) {
	f.State = strings.TrimSpace(f.State)
	f.District = strings.TrimSpace(f.District)
	f.AddressContains = strings.TrimSpace(f.AddressContains)
	if f.State == "" {
		return f, invalid("state", "is required")
	}
	return f, nil
}
