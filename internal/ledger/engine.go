package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStorageTimeout = 5 * time.Second
	DefaultLockTimeout    = 10 * time.Second

	openingBalanceDescription = "Old balance adjustment"
)

// Engine orchestrates invoice assembly, payment application and balance
// derivation on top of a Storage collaborator. Mutations are serialised per
// customer; different customers proceed in parallel.
type Engine struct {
	store          Storage
	locks          *keyedLocks
	now            func() time.Time
	newID          IDGenerator
	storageTimeout time.Duration
	lockTimeout    time.Duration
	notifiers      []Notifier
	metrics        Metrics
	log            zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithIDs(gen IDGenerator) Option        { return func(e *Engine) { e.newID = gen } }
func WithLogger(l zerolog.Logger) Option    { return func(e *Engine) { e.log = l } }
func WithMetrics(m Metrics) Option          { return func(e *Engine) { e.metrics = m } }

// WithStorageTimeout bounds every storage call.
func WithStorageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storageTimeout = d
		}
	}
}

// WithLockTimeout bounds how long a mutation waits for its customer.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithNotifier adds a change subscriber. It may be given several times.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifiers = append(e.notifiers, n)
		}
	}
}

// NewEngine builds an engine over store.
func NewEngine(store Storage, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		locks:          newKeyedLocks(),
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:          defaultID,
		storageTimeout: DefaultStorageTimeout,
		lockTimeout:    DefaultLockTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ping checks the storage collaborator.
func (e *Engine) Ping(ctx context.Context) error {
	return e.call(ctx, "ping", e.store.Ping)
}

// CreateCustomer registers a customer. All address attributes are required.
func (e *Engine) CreateCustomer(ctx context.Context, in NewCustomer) (c Customer, err error) {
	defer e.observe("create_customer", time.Now(), &err)
	if err := in.Validate(); err != nil {
		return Customer{}, err
	}
	in = in.normalize()
	c = Customer{
		ID:        e.newID(),
		Name:      in.Name,
		Address:   in.Address,
		State:     in.State,
		District:  in.District,
		CreatedAt: e.now(),
	}
	if err := e.call(ctx, "insert customer", func(ctx context.Context) error {
		return e.store.InsertCustomer(ctx, c)
	}); err != nil {
		return Customer{}, err
	}
	e.publish(ctx, Event{Type: EventCustomerCreated, CustomerID: c.ID, Customer: &c, At: c.CreatedAt})
	return c, nil
}

// ArchiveCustomer retires a customer that owes nothing. The record and its
// history are kept; archived customers drop out of region searches.
func (e *Engine) ArchiveCustomer(ctx context.Context, id string) (c Customer, err error) {
	defer e.observe("archive_customer", time.Now(), &err)
	id = strings.TrimSpace(id)
	if id == "" {
		return Customer{}, invalid("customer_id", "is required")
	}
	c, changed, err := e.archiveCustomer(ctx, id)
	if err != nil {
		return Customer{}, err
	}
	if changed {
		e.publish(ctx, Event{Type: EventCustomerArchived, CustomerID: c.ID, Customer: &c, At: *c.ArchivedAt})
	}
	return c, nil
}

func (e *Engine) archiveCustomer(ctx context.Context, id string) (Customer, bool, error) {
	release, err := e.locks.Acquire(ctx, id, e.lockTimeout)
	if err != nil {
		return Customer{}, false, err
	}
	defer release()

	c, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
		return e.store.GetCustomer(ctx, id)
	})
	if err != nil {
		return Customer{}, false, err
	}
	if c.Archived() {
		return c, false, nil
	}
	invoices, err := load(ctx, e, "list invoices", func(ctx context.Context) ([]Invoice, error) {
		return e.store.ListInvoicesByCustomer(ctx, id)
	})
	if err != nil {
		return Customer{}, false, err
	}
	if due := BalanceOf(invoices); due.IsPositive() {
		return Customer{}, false, invalid("balance_due", "customer still owes %s", due)
	}
	now := e.now()
	c.ArchivedAt = &now
	if err := e.call(ctx, "update customer", func(ctx context.Context) error {
		return e.store.UpdateCustomer(ctx, c)
	}); err != nil {
		return Customer{}, false, err
	}
	return c, true, nil
}

// CreateInvoice assembles and persists an invoice. Nothing is written unless
// every line and the applied credit validate.
func (e *Engine) CreateInvoice(ctx context.Context, customerID string, lines []LineItem, creditApplied Money) (inv Invoice, err error) {
	defer e.observe("create_invoice", time.Now(), &err)
	lines = normalizeLines(lines)
	gross, err := ValidateLines(lines)
	if err != nil {
		return Invoice{}, err
	}
	if creditApplied.IsNegative() {
		return Invoice{}, invalid("credit_applied", "must be >= 0")
	}
	if creditApplied > gross {
		return Invoice{}, invalid("credit_applied", "%s exceeds gross total %s", creditApplied, gross)
	}
	return e.createInvoice(ctx, customerID, KindStandard, lines, creditApplied)
}

// CreateOpeningBalance records a balance carried over from before the ledger
// existed as an invoice with a single synthetic line.
func (e *Engine) CreateOpeningBalance(ctx context.Context, customerID, description string, amount Money) (inv Invoice, err error) {
	defer e.observe("create_opening_balance", time.Now(), &err)
	if !amount.IsPositive() {
		return Invoice{}, invalid("amount", "must be > 0")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = openingBalanceDescription
	}
	lines := []LineItem{{
		ProductID:   OpeningBalanceProductID,
		Description: description,
		UnitPrice:   amount,
		Quantity:    1,
	}}
	if _, err := ValidateLines(lines); err != nil {
		return Invoice{}, err
	}
	return e.createInvoice(ctx, customerID, KindOpeningBalance, lines, 0)
}

func (e *Engine) createInvoice(ctx context.Context, customerID string, kind InvoiceKind, lines []LineItem, credit Money) (Invoice, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Invoice{}, invalid("customer_id", "is required")
	}
	inv, err := func() (Invoice, error) {
		release, err := e.locks.Acquire(ctx, customerID, e.lockTimeout)
		if err != nil {
			return Invoice{}, err
		}
		defer release()

		c, err := load(ctx, e, "get customer", func(ctx context.Context) (Customer, error) {
			return e.store.GetCustomer(ctx, customerID)
		})
		if err != nil {
			return Invoice{}, err
		}
		if c.Archived() {
			return Invoice{}, invalid("customer_id", "customer %s is archived", customerID)
		}
		now := e.now()
		inv := Invoice{
			ID:            e.newID(),
			CustomerID:    customerID,
			Kind:          kind,
			CreatedAt:     now,
			ModifiedAt:    now,
			Lines:         lines,
			CreditApplied: credit,
		}
		inv.Recompute()
		if err := e.call(ctx, "insert invoice", func(ctx context.Context) error {
			return e.store.InsertInvoice(ctx, inv)
		}); err != nil {
			return Invoice{}, err
		}
		return inv.Clone(), nil
	}()
	if err != nil {
		return Invoice{}, err
	}
	e.publishInvoice(ctx, EventInvoiceCreated, inv)
	return inv, nil
}

// EditLines replaces the lines of an open invoice and re-derives its totals.
// The new totals must still cover the credit and payments already applied.
func (e *Engine) EditLines(ctx context.Context, invoiceID string, lines []LineItem) (inv Invoice, err error) {
	defer e.observe("edit_lines", time.Now(), &err)
	lines = normalizeLines(lines)
	gross, err := ValidateLines(lines)
	if err != nil {
		return Invoice{}, err
	}
	inv, err = e.mutateInvoice(ctx, invoiceID, func(cur *Invoice) (bool, error) {
		if cur.Voided() {
			return false, invalid("invoice_id", "invoice %s is voided", cur.ID)
		}
		if cur.CreditApplied > gross {
			return false, invalid("lines", "gross total %s is below applied credit %s", gross, cur.CreditApplied)
		}
		if net := gross.Sub(cur.CreditApplied); net < cur.PaymentsReceived {
			return false, invalid("lines", "net total %s is below payments received %s", net, cur.PaymentsReceived)
		}
		cur.Lines = lines
		return true, nil
	})
	if err != nil {
		return Invoice{}, err
	}
	e.publishInvoice(ctx, EventInvoiceEdited, inv)
	return inv, nil
}

// VoidInvoice logically cancels an invoice. The record and any transactions
// that touched it stay retrievable; its outstanding no longer counts toward
// the customer's balance. Voiding twice is a no-op.
func (e *Engine) VoidInvoice(ctx context.Context, invoiceID, reason string) (inv Invoice, err error) {
	defer e.observe("void_invoice", time.Now(), &err)
	changed := false
	inv, err = e.mutateInvoice(ctx, invoiceID, func(cur *Invoice) (bool, error) {
		if cur.Voided() {
			return false, nil
		}
		at := e.now()
		cur.VoidedAt = &at
		cur.VoidReason = strings.TrimSpace(reason)
		changed = true
		return true, nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if changed {
		e.publishInvoice(ctx, EventInvoiceVoided, inv)
	}
	return inv, nil
}

// mutateInvoice resolves the owning customer, locks it, re-reads the invoice
// and persists whatever fn changed.
func (e *Engine) mutateInvoice(ctx context.Context, invoiceID string, fn func(*Invoice) (bool, error)) (Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Invoice{}, invalid("invoice_id", "is required")
	}
	getInvoice := func(ctx context.Context) (Invoice, error) { return e.store.GetInvoice(ctx, invoiceID) }
	current, err := load(ctx, e, "get invoice", getInvoice)
	if err != nil {
		return Invoice{}, err
	}
	release, err := e.locks.Acquire(ctx, current.CustomerID, e.lockTimeout)
	if err != nil {
		return Invoice{}, err
	}
	defer release()

	inv, err := load(ctx, e, "get invoice", getInvoice)
	if err != nil {
		return Invoice{}, err
	}
	changed, err := fn(&inv)
	if err != nil {
		return Invoice{}, err
	}
	if !changed {
		return inv.Clone(), nil
	}
	inv.ModifiedAt = e.now()
	inv.Recompute()
	if err := e.call(ctx, "update invoice", func(ctx context.Context) error {
		return e.store.UpdateInvoice(ctx, inv)
	}); err != nil {
		return Invoice{}, err
	}
	return inv.Clone(), nil
}

// CreateProduct adds a catalog entry.
func (e *Engine) CreateProduct(ctx context.Context, name string, unitPrice Money) (p Product, err error) {
	defer e.observe("create_product", time.Now(), &err)
	name = strings.TrimSpace(name)
	if name == "" {
		return Product{}, invalid("name", "is required")
	}
	if unitPrice.IsNegative() || unitPrice > MaxMoney {
		return Product{}, invalid("unit_price", "must be between 0 and %s", MaxMoney)
	}
	p = Product{ID: e.newID(), Name: name, UnitPrice: unitPrice, CreatedAt: e.now()}
	if err := e.call(ctx, "insert product", func(ctx context.Context) error {
		return e.store.InsertProduct(ctx, p)
	}); err != nil {
		return Product{}, err
	}
	e.publish(ctx, Event{Type: EventProductCreated, ProductID: p.ID, Amount: p.UnitPrice, At: p.CreatedAt})
	return p, nil
}

// call runs one storage step under the storage timeout.
func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()
	return wrapStorage(op, e.storageTimeout, fn(cctx))
}

func load[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.call(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Engine) publishInvoice(ctx context.Context, typ EventType, inv Invoice) {
	snap := inv.Clone()
	e.publish(ctx, Event{
		Type:       typ,
		CustomerID: inv.CustomerID,
		InvoiceID:  inv.ID,
		Amount:     inv.Outstanding,
		Invoice:    &snap,
		At:         inv.ModifiedAt,
	})
}

// publish fans an event out after the mutation committed and its customer
// lock was released.
func (e *Engine) publish(ctx context.Context, evt Event) {
	if len(e.notifiers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range e.notifiers {
		n.Publish(ctx, evt)
	}
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	took := time.Since(start)
	err := *errp
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, err, took)
	}
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = e.log.Debug()
	case errors.Is(err, ErrStorage), errors.Is(err, ErrStorageTimeout):
		ev = e.log.Error().Err(err)
	default:
		ev = e.log.Debug().Err(err)
	}
	ev.Str("op", op).Dur("took", took).Msg("ledger operation")
}
