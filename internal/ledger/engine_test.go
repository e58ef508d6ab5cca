package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/store/memory"
)

type stepClock struct {
	base time.Time
	n    atomic.Int64
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.n.Add(1)) * time.Second)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recordingNotifier) Publish(_ context.Context, evt ledger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) types() []ledger.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newEngine(t *testing.T, opts ...ledger.Option) *ledger.Engine {
	t.Helper()
	clk := &stepClock{base: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]ledger.Option{ledger.WithClock(clk.Now)}, opts...)
	return ledger.NewEngine(memory.New(), opts...)
}

func mustCustomer(t *testing.T, e *ledger.Engine, name, state, district string) ledger.Customer {
	t.Helper()
	c, err := e.CreateCustomer(context.Background(), ledger.NewCustomer{
		Name:     name,
		Address:  "12 Market Road, " + district,
		State:    state,
		District: district,
	})
	require.NoError(t, err)
	return c
}

func mustInvoice(t *testing.T, e *ledger.Engine, customerID, amount string) ledger.Invoice {
	t.Helper()
	inv, err := e.CreateInvoice(context.Background(), customerID, []ledger.LineItem{
		{ProductID: "p-1", UnitPrice: ledger.MustParseMoney(amount), Quantity: 1},
	}, 0)
	require.NoError(t, err)
	return inv
}

func money(s string) ledger.Money { return ledger.MustParseMoney(s) }

func TestCreateInvoiceComputesTotals(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")

	inv, err := e.CreateInvoice(ctx, c.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 3},
		{ProductID: "ink", UnitPrice: money("5.00"), Quantity: 2, Discount: money("1.00")},
	}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)
	require.Equal(t, "39.00", inv.GrossTotal.String())
	require.Equal(t, inv.GrossTotal, inv.NetTotal)
	require.Equal(t, inv.NetTotal, inv.Outstanding)
	require.True(t, inv.PaymentsReceived.IsZero())
	require.Equal(t, ledger.StatusOpen, inv.Status)
	require.Equal(t, ledger.KindStandard, inv.Kind)
	require.Equal(t, inv.CreatedAt, inv.ModifiedAt)

	stored, err := e.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, inv, stored)
}

func TestCreateInvoiceAppliesCredit(t *testing.T) {
	e := newEngine(t)
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")

	inv, err := e.CreateInvoice(context.Background(), c.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 3},
	}, money("9.00"))
	require.NoError(t, err)
	require.Equal(t, money("30.00"), inv.GrossTotal)
	require.Equal(t, money("21.00"), inv.NetTotal)
	require.Equal(t, money("21.00"), inv.Outstanding)
}

func TestCreateInvoiceValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	line := ledger.LineItem{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 2}

	cases := []struct {
		name   string
		lines  []ledger.LineItem
		credit ledger.Money
		field  string
	}{
		{name: "no lines", lines: nil, field: "lines"},
		{name: "zero quantity", lines: []ledger.LineItem{{ProductID: "pen", UnitPrice: 100}}, field: "lines[0].quantity"},
		{name: "missing product", lines: []ledger.LineItem{{UnitPrice: 100, Quantity: 1}}, field: "lines[0].product_id"},
		{name: "negative discount", lines: []ledger.LineItem{{ProductID: "pen", UnitPrice: 100, Quantity: 1, Discount: -1}}, field: "lines[0].discount"},
		{name: "discount above subtotal", lines: []ledger.LineItem{line, {ProductID: "ink", UnitPrice: 100, Quantity: 2, Discount: 201}}, field: "lines[1].discount"},
		{name: "credit above gross", lines: []ledger.LineItem{line}, credit: money("20.01"), field: "credit_applied"},
		{name: "negative credit", lines: []ledger.LineItem{line}, credit: -1, field: "credit_applied"},
		{name: "line subtotal above max", lines: []ledger.LineItem{{ProductID: "pen", UnitPrice: ledger.MaxMoney, Quantity: 2}}, field: "lines[0].quantity"},
		{name: "gross above max", lines: []ledger.LineItem{
			{ProductID: "pen", UnitPrice: 9_200_000_000, Quantity: 1_000},
			{ProductID: "pen", UnitPrice: 9_200_000_000, Quantity: 1_000},
			{ProductID: "ink", UnitPrice: 100_000_000, Quantity: 1_000},
		}, field: "lines"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateInvoice(ctx, c.ID, tc.lines, tc.credit)
			require.ErrorIs(t, err, ledger.ErrValidation)
			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
		})
	}

	invoices, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, invoices)

	_, err = e.CreateInvoice(ctx, "missing", []ledger.LineItem{line}, 0)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCreateInvoiceGrossStopsAtMaxMoney(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")

	half := ledger.MaxMoney / 2
	inv, err := e.CreateInvoice(ctx, c.ID, []ledger.LineItem{
		{ProductID: "bulk", UnitPrice: half / 1_000, Quantity: 1_000},
		{ProductID: "bulk", UnitPrice: ledger.MaxMoney - half, Quantity: 1},
	}, 0)
	require.NoError(t, err)
	require.Equal(t, ledger.MaxMoney, inv.GrossTotal)

	_, err = e.CreateInvoice(ctx, c.ID, []ledger.LineItem{
		{ProductID: "bulk", UnitPrice: 9_200_000_000_000, Quantity: 1_000_000},
	}, 0)
	var ve *ledger.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "lines[0].quantity", ve.Field)

	_, err = e.EditLines(ctx, inv.ID, append(inv.Lines, ledger.LineItem{ProductID: "extra", UnitPrice: 1, Quantity: 1}))
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "lines", ve.Field)

	stored, err := e.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.MaxMoney, stored.GrossTotal)
}

func TestApplyPaymentAllocatesOldestFirst(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	older := mustInvoice(t, e, c.ID, "100.00")
	newer := mustInvoice(t, e, c.ID, "50.00")

	res, err := e.ApplyPayment(ctx, c.ID, money("120.00"), "")
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Len(t, res.Invoices, 2)
	require.Equal(t, older.ID, res.Invoices[0].ID)
	require.True(t, res.Invoices[0].Outstanding.IsZero())
	require.Equal(t, ledger.StatusPaid, res.Invoices[0].Status)
	require.Equal(t, newer.ID, res.Invoices[1].ID)
	require.Equal(t, money("30.00"), res.Invoices[1].Outstanding)

	require.Equal(t, money("120.00"), res.Transaction.Amount)
	require.Equal(t, []ledger.Allocation{
		{InvoiceID: older.ID, Amount: money("100.00")},
		{InvoiceID: newer.ID, Amount: money("20.00")},
	}, res.Transaction.Allocations)

	txs, err := e.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, money("120.00"), txs[0].Amount)

	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, money("30.00"), cb.BalanceDue)
	require.Equal(t, 1, cb.OpenInvoices)

	stored, err := e.GetInvoice(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, money("20.00"), stored.PaymentsReceived)
	require.True(t, stored.ModifiedAt.After(stored.CreatedAt))
}

func TestApplyPaymentOfFullBalanceSettlesEverything(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	mustInvoice(t, e, c.ID, "100.00")
	mustInvoice(t, e, c.ID, "50.25")
	mustInvoice(t, e, c.ID, "0.75")

	_, err := e.ApplyPayment(ctx, c.ID, money("151.00"), "")
	require.NoError(t, err)

	invoices, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)
	for _, inv := range invoices {
		require.True(t, inv.Outstanding.IsZero(), "invoice %s still owes %s", inv.ID, inv.Outstanding)
	}
	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, cb.BalanceDue.IsZero())
}

func TestApplyPaymentOverpaymentIsNoOp(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	mustInvoice(t, e, c.ID, "100.00")
	mustInvoice(t, e, c.ID, "50.00")

	before, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)

	_, err = e.ApplyPayment(ctx, c.ID, money("150.01"), "")
	require.ErrorIs(t, err, ledger.ErrOverpayment)
	var ope *ledger.OverpaymentError
	require.True(t, errors.As(err, &ope))
	require.Equal(t, money("150.00"), ope.Outstanding)

	after, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)

	txs, err := e.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestApplyPaymentValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")

	_, err := e.ApplyPayment(ctx, c.ID, 0, "")
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = e.ApplyPayment(ctx, c.ID, money("-1.00"), "")
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = e.ApplyPayment(ctx, "", money("1.00"), "")
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = e.ApplyPayment(ctx, "nobody", money("1.00"), "")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = e.ApplyPayment(ctx, c.ID, money("1.00"), "")
	require.ErrorIs(t, err, ledger.ErrOverpayment)
}

func TestApplyPaymentIdempotencyKey(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	mustInvoice(t, e, c.ID, "100.00")

	first, err := e.ApplyPayment(ctx, c.ID, money("40.00"), "receipt-17")
	require.NoError(t, err)
	again, err := e.ApplyPayment(ctx, c.ID, money("40.00"), "receipt-17")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Transaction.ID, again.Transaction.ID)
	require.Equal(t, money("60.00"), again.Invoices[0].Outstanding)

	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, money("60.00"), cb.BalanceDue)

	_, err = e.ApplyPayment(ctx, c.ID, money("10.00"), "receipt-17")
	var ve *ledger.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "idempotency_key", ve.Field)
}

func TestVoidInvoiceRemovesItFromBalance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	older := mustInvoice(t, e, c.ID, "100.00")
	mustInvoice(t, e, c.ID, "50.00")

	_, err := e.ApplyPayment(ctx, c.ID, money("40.00"), "")
	require.NoError(t, err)

	voided, err := e.VoidInvoice(ctx, older.ID, "issued in error")
	require.NoError(t, err)
	require.NotNil(t, voided.VoidedAt)
	require.Equal(t, ledger.StatusVoided, voided.Status)
	require.Equal(t, "issued in error", voided.VoidReason)

	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, money("50.00"), cb.BalanceDue)

	stored, err := e.GetInvoice(ctx, older.ID)
	require.NoError(t, err)
	require.True(t, stored.Voided())
	require.Equal(t, money("40.00"), stored.PaymentsReceived)

	txs, err := e.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, older.ID, txs[0].Allocations[0].InvoiceID)

	again, err := e.VoidInvoice(ctx, older.ID, "second attempt")
	require.NoError(t, err)
	require.Equal(t, voided.VoidedAt, again.VoidedAt)
	require.Equal(t, "issued in error", again.VoidReason)

	_, err = e.VoidInvoice(ctx, "unknown", "")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestApplyPaymentSkipsVoidedInvoices(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	older := mustInvoice(t, e, c.ID, "100.00")
	newer := mustInvoice(t, e, c.ID, "50.00")
	_, err := e.VoidInvoice(ctx, older.ID, "")
	require.NoError(t, err)

	_, err = e.ApplyPayment(ctx, c.ID, money("60.00"), "")
	require.ErrorIs(t, err, ledger.ErrOverpayment)

	res, err := e.ApplyPayment(ctx, c.ID, money("50.00"), "")
	require.NoError(t, err)
	require.Len(t, res.Invoices, 1)
	require.Equal(t, newer.ID, res.Invoices[0].ID)
}

func TestEditLines(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	inv, err := e.CreateInvoice(ctx, c.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 5},
	}, money("5.00"))
	require.NoError(t, err)
	_, err = e.ApplyPayment(ctx, c.ID, money("30.00"), "")
	require.NoError(t, err)

	edited, err := e.EditLines(ctx, inv.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 4},
		{ProductID: "ink", UnitPrice: money("2.50"), Quantity: 2},
	})
	require.NoError(t, err)
	require.Equal(t, money("45.00"), edited.GrossTotal)
	require.Equal(t, money("40.00"), edited.NetTotal)
	require.Equal(t, money("10.00"), edited.Outstanding)
	require.Len(t, edited.Lines, 2)

	_, err = e.EditLines(ctx, inv.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("10.00"), Quantity: 3},
	})
	var ve *ledger.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "lines", ve.Field)

	_, err = e.EditLines(ctx, inv.ID, []ledger.LineItem{
		{ProductID: "pen", UnitPrice: money("1.00"), Quantity: 1},
	})
	require.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.VoidInvoice(ctx, inv.ID, "")
	require.NoError(t, err)
	_, err = e.EditLines(ctx, inv.ID, edited.Lines)
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "invoice_id", ve.Field)
}

func TestListCustomersByRegion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	asha := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	bala := mustCustomer(t, e, "Bala", "Punjab", "Amritsar")
	chen := mustCustomer(t, e, "Chen", "Punjab", "Ludhiana")
	mustCustomer(t, e, "Dev", "Kerala", "Kochi")

	mustInvoice(t, e, asha.ID, "100.00")
	voided := mustInvoice(t, e, asha.ID, "70.00")
	_, err := e.VoidInvoice(ctx, voided.ID, "")
	require.NoError(t, err)
	mustInvoice(t, e, bala.ID, "20.00")

	got, err := e.ListCustomersByRegion(ctx, ledger.CustomerFilter{State: "Punjab"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	balances := map[string]ledger.Money{}
	for _, cb := range got {
		balances[cb.ID] = cb.BalanceDue
	}
	require.Equal(t, money("100.00"), balances[asha.ID])
	require.Equal(t, money("20.00"), balances[bala.ID])
	require.True(t, balances[chen.ID].IsZero())

	got, err = e.ListCustomersByRegion(ctx, ledger.CustomerFilter{State: "punjab", District: "Ludhiana"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = e.ListCustomersByRegion(ctx, ledger.CustomerFilter{State: "Punjab", AddressContains: "amritsar"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, bala.ID, got[0].ID)

	summary, err := e.RegionBalance(ctx, ledger.CustomerFilter{State: "Punjab"})
	require.NoError(t, err)
	require.Equal(t, money("120.00"), summary.BalanceDue)

	_, err = e.ListCustomersByRegion(ctx, ledger.CustomerFilter{District: "Ludhiana"})
	require.ErrorIs(t, err, ledger.ErrValidation)

	total, err := e.TotalOutstanding(ctx)
	require.NoError(t, err)
	require.Equal(t, money("120.00"), total)
}

func TestArchiveCustomer(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	mustInvoice(t, e, c.ID, "10.00")

	_, err := e.ArchiveCustomer(ctx, c.ID)
	var ve *ledger.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "balance_due", ve.Field)

	_, err = e.ApplyPayment(ctx, c.ID, money("10.00"), "")
	require.NoError(t, err)
	archived, err := e.ArchiveCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, archived.Archived())

	listed, err := e.ListCustomersByRegion(ctx, ledger.CustomerFilter{State: "Punjab"})
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = e.CreateInvoice(ctx, c.ID, []ledger.LineItem{{ProductID: "x", UnitPrice: 100, Quantity: 1}}, 0)
	require.ErrorIs(t, err, ledger.ErrValidation)

	txs, err := e.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestCreateOpeningBalance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")

	inv, err := e.CreateOpeningBalance(ctx, c.ID, "", money("1234.56"))
	require.NoError(t, err)
	require.Equal(t, ledger.KindOpeningBalance, inv.Kind)
	require.Len(t, inv.Lines, 1)
	require.Equal(t, ledger.OpeningBalanceProductID, inv.Lines[0].ProductID)
	require.Equal(t, "Old balance adjustment", inv.Lines[0].Description)
	require.Equal(t, money("1234.56"), inv.Outstanding)

	_, err = e.CreateOpeningBalance(ctx, c.ID, "carry over", 0)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestListInvoicesInRange(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	first := mustInvoice(t, e, c.ID, "1.00")
	second := mustInvoice(t, e, c.ID, "2.00")
	mustInvoice(t, e, c.ID, "3.00")

	got, err := e.ListInvoicesInRange(ctx, first.CreatedAt, second.CreatedAt.Add(time.Nanosecond))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, first.ID, got[0].ID)
	require.Equal(t, second.ID, got[1].ID)

	_, err = e.ListInvoicesInRange(ctx, second.CreatedAt, first.CreatedAt)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestInvoiceSnapshotIsDetached(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	inv := mustInvoice(t, e, c.ID, "10.00")

	snap, err := e.InvoiceSnapshot(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, c, snap.Customer)
	snap.Invoice.Lines[0].Quantity = 99

	stored, err := e.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Lines[0].Quantity)
}

func TestProducts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateProduct(ctx, "Urea 50kg", money("266.50"))
	require.NoError(t, err)
	_, err = e.CreateProduct(ctx, "DAP 50kg", money("1350.00"))
	require.NoError(t, err)
	_, err = e.CreateProduct(ctx, " ", money("1.00"))
	require.ErrorIs(t, err, ledger.ErrValidation)

	all, err := e.ListProducts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "DAP 50kg", all[0].Name)

	found, err := e.ListProducts(ctx, "urea")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, money("266.50"), found[0].UnitPrice)
}

func TestNotifierSeesCommittedChanges(t *testing.T) {
	rec := &recordingNotifier{}
	e := newEngine(t, ledger.WithNotifier(rec))
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	inv := mustInvoice(t, e, c.ID, "10.00")
	_, err := e.ApplyPayment(ctx, c.ID, money("20.00"), "")
	require.Error(t, err)
	_, err = e.ApplyPayment(ctx, c.ID, money("4.00"), "")
	require.NoError(t, err)
	_, err = e.VoidInvoice(ctx, inv.ID, "")
	require.NoError(t, err)

	require.Equal(t, []ledger.EventType{
		ledger.EventCustomerCreated,
		ledger.EventInvoiceCreated,
		ledger.EventPaymentApplied,
		ledger.EventInvoiceVoided,
	}, rec.types())

	paid := rec.events[2]
	require.NotNil(t, paid.Transaction)
	require.Equal(t, money("4.00"), paid.Amount)
	require.Len(t, paid.Invoices, 1)
	require.Equal(t, money("6.00"), paid.Invoices[0].Outstanding)
}

func TestConcurrentPaymentsSameCustomer(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	mustInvoice(t, e, c.ID, "60.00")
	mustInvoice(t, e, c.ID, "40.00")

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ApplyPayment(ctx, c.ID, money("1.00"), ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, money("50.00"), cb.BalanceDue)

	invoices, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, money("10.00"), invoices[0].Outstanding)
	require.Equal(t, money("40.00"), invoices[1].Outstanding)

	txs, err := e.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, workers)
}

func TestConcurrentPaymentsAcrossCustomers(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	const customers = 8
	ids := make([]string, customers)
	for i := range ids {
		c := mustCustomer(t, e, fmt.Sprintf("C%d", i), "Punjab", "Ludhiana")
		mustInvoice(t, e, c.ID, "25.00")
		ids[i] = c.ID
	}

	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, id := range ids {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := e.ApplyPayment(ctx, id, money("5.00"), ""); err != nil {
					failures.Add(1)
				}
			}(id)
		}
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	for _, id := range ids {
		cb, err := e.GetCustomer(ctx, id)
		require.NoError(t, err)
		require.True(t, cb.BalanceDue.IsZero())
	}

	// one payment too many is an overpayment for every customer
	_, err := e.ApplyPayment(ctx, ids[0], money("0.01"), "")
	require.ErrorIs(t, err, ledger.ErrOverpayment)
}

func TestOutstandingNeverNegative(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := mustCustomer(t, e, "Asha", "Punjab", "Ludhiana")
	rnd := rand.New(rand.NewSource(42))

	var billed, paid ledger.Money
	for i := 0; i < 200; i++ {
		if rnd.Intn(3) > 0 {
			qty := int64(rnd.Intn(5) + 1)
			price := ledger.Money(rnd.Intn(10_000))
			discount := ledger.Money(rnd.Int63n(int64(price)*qty + 1))
			inv, err := e.CreateInvoice(ctx, c.ID, []ledger.LineItem{
				{ProductID: "p", UnitPrice: price, Quantity: qty, Discount: discount},
			}, 0)
			require.NoError(t, err)
			billed = billed.Add(inv.NetTotal)
			continue
		}
		cb, err := e.GetCustomer(ctx, c.ID)
		require.NoError(t, err)
		if !cb.BalanceDue.IsPositive() {
			continue
		}
		amount := ledger.Money(rnd.Int63n(int64(cb.BalanceDue)) + 1)
		_, err = e.ApplyPayment(ctx, c.ID, amount, "")
		require.NoError(t, err)
		paid = paid.Add(amount)
	}

	invoices, err := e.ListInvoicesByCustomer(ctx, c.ID)
	require.NoError(t, err)
	for _, inv := range invoices {
		require.False(t, inv.Outstanding.IsNegative())
		require.True(t, inv.PaymentsReceived <= inv.NetTotal)
	}
	cb, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, billed.Sub(paid), cb.BalanceDue)
}
