package ledger

import "time"

// InvoiceKind distinguishes regular invoices from carried-over balances.
type InvoiceKind string

const (
	KindStandard       InvoiceKind = "standard"
	KindOpeningBalance InvoiceKind = "opening_balance"
)

// InvoiceStatus is derived from payment and void state.
type InvoiceStatus string

const (
	StatusOpen   InvoiceStatus = "open"
	StatusPaid   InvoiceStatus = "paid"
	StatusVoided InvoiceStatus = "voided"
)

// OpeningBalanceProductID marks the synthetic line of an opening balance invoice.
const OpeningBalanceProductID = "opening-balance"

// Invoice is an ordered set of lines plus derived totals and payment state.
// GrossTotal, NetTotal and Outstanding are derived; call Recompute after any change.
type Invoice struct {
	ID               string      `json:"id"`
	CustomerID       string      `json:"customer_id"`
	Kind             InvoiceKind `json:"kind"`
	CreatedAt        time.Time   `json:"created_at"`
	ModifiedAt       time.Time   `json:"modified_at"`
	Lines            []LineItem  `json:"lines"`
	CreditApplied    Money       `json:"credit_applied"`
	PaymentsReceived Money       `json:"payments_received"`
	VoidedAt         *time.Time  `json:"voided_at,omitempty"`
	VoidReason       string      `json:"void_reason,omitempty"`

	GrossTotal  Money         `json:"gross_total"`
	NetTotal    Money         `json:"net_total"`
	Outstanding Money         `json:"outstanding"`
	Status      InvoiceStatus `json:"status"`
}

// Recompute re-derives totals from lines, credit and payments.
func (inv *Invoice) Recompute() {
	var gross Money
	for _, l := range inv.Lines {
		gross = gross.Add(l.Total())
	}
	inv.GrossTotal = gross
	inv.NetTotal = gross.Sub(inv.CreditApplied)
	out := inv.NetTotal.Sub(inv.PaymentsReceived)
	if out.IsNegative() {
		out = 0
	}
	inv.Outstanding = out
	switch {
	case inv.VoidedAt != nil:
		inv.Status = StatusVoided
	case out.IsZero():
		inv.Status = StatusPaid
	default:
		inv.Status = StatusOpen
	}
}

// Voided reports whether the invoice was logically cancelled.
func (inv Invoice) Voided() bool { return inv.VoidedAt != nil }

// Due is the amount this invoice contributes to the customer's balance.
func (inv Invoice) Due() Money {
	if inv.Voided() {
		return 0
	}
	return inv.Outstanding
}

// Clone returns a deep copy that shares no memory with inv.
func (inv Invoice) Clone() Invoice {
	out := inv
	if inv.Lines != nil {
		out.Lines = make([]LineItem, len(inv.Lines))
		copy(out.Lines, inv.Lines)
	}
	if inv.VoidedAt != nil {
		t := *inv.VoidedAt
		out.VoidedAt = &t
	}
	return out
}

// BalanceOf sums outstanding over non-voided invoices.
func BalanceOf(invoices []Invoice) Money {
	var total Money
	for _, inv := range invoices {
		total = total.Add(inv.Due())
	}
	return total
}

func cloneInvoices(in []Invoice) []Invoice {
	out := make([]Invoice, len(in))
	for i, inv := range in {
		out[i] = inv.Clone()
	}
	return out
}
