package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"ledgerbook.org/internal/ledger"
)

// Store implements ledger.Storage in process. Reads take a shared lock and
// return copies; WithinTx holds the exclusive lock for the whole unit of work
// and undoes its writes on failure, so readers never observe a partial commit.
type Store struct {
	mu sync.RWMutex
	st state
}

var _ ledger.Storage = (*Store)(nil)

type state struct {
	customers    map[string]ledger.Customer
	invoices     map[string]ledger.Invoice
	byCustomer   map[string][]string // customer id -> invoice ids
	transactions []ledger.Transaction
	idem         map[string]int // idempotency key -> index in transactions
	products     map[string]ledger.Product
}

// New creates an empty store.
func New() *Store {
	return &Store{st: state{
		customers:  make(map[string]ledger.Customer),
		invoices:   make(map[string]ledger.Invoice),
		byCustomer: make(map[string][]string),
		idem:       make(map[string]int),
		products:   make(map[string]ledger.Product),
	}}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) InsertCustomer(ctx context.Context, c ledger.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertCustomer(c, nil)
}

func (s *Store) UpdateCustomer(ctx context.Context, c ledger.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateCustomer(c, nil)
}

func (s *Store) GetCustomer(ctx context.Context, id string) (ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getCustomer(id)
}

func (s *Store) ListCustomers(ctx context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listCustomers(f), nil
}

func (s *Store) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertInvoice(inv, nil)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateInvoice(inv, nil)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getInvoice(id)
}

func (s *Store) ListInvoicesByCustomer(ctx context.Context, customerID string) ([]ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listInvoicesByCustomer(customerID), nil
}

func (s *Store) ListInvoicesInRange(ctx context.Context, start, end time.Time) ([]ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listInvoicesInRange(start, end), nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertTransaction(tx, nil)
}

func (s *Store) ListTransactionsByCustomer(ctx context.Context, customerID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listTransactions(customerID), nil
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.transactionByKey(key)
}

func (s *Store) InsertProduct(ctx context.Context, p ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertProduct(p, nil)
}

func (s *Store) ListProducts(ctx context.Context, search string) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listProducts(search), nil
}

// WithinTx runs fn while holding the store exclusively. Writes made through
// the tx view are undone in reverse order if fn fails or ctx is done.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &txView{st: &s.st}
	err := fn(ctx, t)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		t.rollback()
		return err
	}
	return nil
}

// undo journal ---------------------------------------------------------------

type journal []func()

func (j *journal) add(f func()) {
	if j != nil {
		*j = append(*j, f)
	}
}

// state mutators: j, when non-nil, receives the inverse of each write.

func (st *state) insertCustomer(c ledger.Customer, j *journal) error {
	if _, ok := st.customers[c.ID]; ok {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	st.customers[c.ID] = c
	j.add(func() { delete(st.customers, c.ID) })
	return nil
}

func (st *state) updateCustomer(c ledger.Customer, j *journal) error {
	prev, ok := st.customers[c.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "customer", ID: c.ID}
	}
	st.customers[c.ID] = c
	j.add(func() { st.customers[c.ID] = prev })
	return nil
}

func (st *state) getCustomer(id string) (ledger.Customer, error) {
	c, ok := st.customers[id]
	if !ok {
		return ledger.Customer{}, &ledger.NotFoundError{Entity: "customer", ID: id}
	}
	return c, nil
}

func (st *state) listCustomers(f ledger.CustomerFilter) []ledger.Customer {
	addr := strings.ToLower(f.AddressContains)
	out := make([]ledger.Customer, 0)
	for _, c := range st.customers {
		switch {
		case c.Archived() && !f.IncludeArchived:
			continue
		case f.State != "" && !strings.EqualFold(c.State, f.State):
			continue
		case f.District != "" && !strings.EqualFold(c.District, f.District):
			continue
		case addr != "" && !strings.Contains(strings.ToLower(c.Address), addr):
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b ledger.Customer) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (st *state) insertInvoice(inv ledger.Invoice, j *journal) error {
	if _, ok := st.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	if _, ok := st.customers[inv.CustomerID]; !ok {
		return &ledger.NotFoundError{Entity: "customer", ID: inv.CustomerID}
	}
	st.invoices[inv.ID] = inv.Clone()
	st.byCustomer[inv.CustomerID] = append(st.byCustomer[inv.CustomerID], inv.ID)
	j.add(func() {
		delete(st.invoices, inv.ID)
		ids := st.byCustomer[inv.CustomerID]
		st.byCustomer[inv.CustomerID] = ids[:len(ids)-1]
	})
	return nil
}

func (st *state) updateInvoice(inv ledger.Invoice, j *journal) error {
	prev, ok := st.invoices[inv.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "invoice", ID: inv.ID}
	}
	if prev.CustomerID != inv.CustomerID {
		return fmt.Errorf("invoice %s cannot change customer", inv.ID)
	}
	st.invoices[inv.ID] = inv.Clone()
	j.add(func() { st.invoices[inv.ID] = prev })
	return nil
}

func (st *state) getInvoice(id string) (ledger.Invoice, error) {
	inv, ok := st.invoices[id]
	if !ok {
		return ledger.Invoice{}, &ledger.NotFoundError{Entity: "invoice", ID: id}
	}
	return inv.Clone(), nil
}

func (st *state) listInvoicesByCustomer(customerID string) []ledger.Invoice {
	ids := st.byCustomer[customerID]
	out := make([]ledger.Invoice, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.invoices[id].Clone())
	}
	sortInvoices(out)
	return out
}

func (st *state) listInvoicesInRange(start, end time.Time) []ledger.Invoice {
	out := make([]ledger.Invoice, 0)
	for _, inv := range st.invoices {
		if inv.CreatedAt.Before(start) || !inv.CreatedAt.Before(end) {
			continue
		}
		out = append(out, inv.Clone())
	}
	sortInvoices(out)
	return out
}

func (st *state) insertTransaction(tx ledger.Transaction, j *journal) error {
	if tx.IdempotencyKey != "" {
		if _, ok := st.idem[tx.IdempotencyKey]; ok {
			return duplicateKey(tx.IdempotencyKey)
		}
		st.idem[tx.IdempotencyKey] = len(st.transactions)
	}
	tx.Allocations = slices.Clone(tx.Allocations)
	st.transactions = append(st.transactions, tx)
	j.add(func() {
		st.transactions = st.transactions[:len(st.transactions)-1]
		if tx.IdempotencyKey != "" {
			delete(st.idem, tx.IdempotencyKey)
		}
	})
	return nil
}

func (st *state) listTransactions(customerID string) []ledger.Transaction {
	out := make([]ledger.Transaction, 0)
	for _, tx := range st.transactions {
		if tx.CustomerID == customerID {
			tx.Allocations = slices.Clone(tx.Allocations)
			out = append(out, tx)
		}
	}
	return out
}

func (st *state) transactionByKey(key string) (ledger.Transaction, error) {
	idx, ok := st.idem[key]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: key}
	}
	tx := st.transactions[idx]
	tx.Allocations = slices.Clone(tx.Allocations)
	return tx, nil
}

func (st *state) insertProduct(p ledger.Product, j *journal) error {
	if _, ok := st.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	st.products[p.ID] = p
	j.add(func() { delete(st.products, p.ID) })
	return nil
}

func (st *state) listProducts(search string) []ledger.Product {
	search = strings.ToLower(search)
	out := make([]ledger.Product, 0)
	for _, p := range st.products {
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b ledger.Product) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func sortInvoices(invs []ledger.Invoice) {
	slices.SortFunc(invs, func(a, b ledger.Invoice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func duplicateKey(key string) error {
	return &ledger.ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("key %q already used", key)}
}
