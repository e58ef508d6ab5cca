package memory

import (
	"context"
	"time"

	"ledgerbook.org/internal/ledger"
)

// txView is the Storage handed to WithinTx callbacks. The owning Store already
// holds the exclusive lock, so txView touches state directly and journals
// every write.
type txView struct {
	st   *state
	undo journal
}

var _ ledger.Storage = (*txView)(nil)

func (t *txView) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txView) Ping(context.Context) error { return nil }

func (t *txView) InsertCustomer(_ context.Context, c ledger.Customer) error {
	return t.st.insertCustomer(c, &t.undo)
}

func (t *txView) UpdateCustomer(_ context.Context, c ledger.Customer) error {
	return t.st.updateCustomer(c, &t.undo)
}

func (t *txView) GetCustomer(_ context.Context, id string) (ledger.Customer, error) {
	return t.st.getCustomer(id)
}

func (t *txView) ListCustomers(_ context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	return t.st.listCustomers(f), nil
}

func (t *txView) InsertInvoice(_ context.Context, inv ledger.Invoice) error {
	return t.st.insertInvoice(inv, &t.undo)
}

func (t *txView) UpdateInvoice(_ context.Context, inv ledger.Invoice) error {
	return t.st.updateInvoice(inv, &t.undo)
}

func (t *txView) GetInvoice(_ context.Context, id string) (ledger.Invoice, error) {
	return t.st.getInvoice(id)
}

func (t *txView) ListInvoicesByCustomer(_ context.Context, customerID string) ([]ledger.Invoice, error) {
	return t.st.listInvoicesByCustomer(customerID), nil
}

func (t *txView) ListInvoicesInRange(_ context.Context, start, end time.Time) ([]ledger.Invoice, error) {
	return t.st.listInvoicesInRange(start, end), nil
}

func (t *txView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	return t.st.insertTransaction(tx, &t.undo)
}

func (t *txView) ListTransactionsByCustomer(_ context.Context, customerID string) ([]ledger.Transaction, error) {
	return t.st.listTransactions(customerID), nil
}

func (t *txView) GetTransactionByIdempotencyKey(_ context.Context, key string) (ledger.Transaction, error) {
	return t.st.transactionByKey(key)
}

func (t *txView) InsertProduct(_ context.Context, p ledger.Product) error {
	return t.st.insertProduct(p, &t.undo)
}

func (t *txView) ListProducts(_ context.Context, search string) ([]ledger.Product, error) {
	return t.st.listProducts(search), nil
}

// WithinTx nests: the inner unit of work joins the outer one.
func (t *txView) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Storage) error) error {
	return fn(ctx, t)
}
