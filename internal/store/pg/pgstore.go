// Package pg is the PostgreSQL implementation of ledger.Storage.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerbook.org/internal/ledger"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	customerColumns    = []string{"id", "name", "address", "state", "district", "created_at", "archived_at"}
	invoiceColumns     = []string{"id", "customer_id", "kind", "created_at", "modified_at", "lines", "credit_applied", "payments_received", "voided_at", "void_reason"}
	transactionColumns = []string{"id", "customer_id", "amount", "created_at", "coalesce(idempotency_key, '')", "allocations"}
	productColumns     = []string{"id", "name", "unit_price", "created_at"}
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store keeps customers, invoices, transactions and products in Postgres.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

var _ ledger.Storage = (*Store)(nil)

// Option tunes the connection pool opened by Open.
type Option func(*sql.DB)

func WithMaxConns(n int) Option {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxOpenConns(n)
			db.SetMaxIdleConns(max(1, n/2))
		}
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(db *sql.DB) {
		if d > 0 {
			db.SetConnMaxLifetime(d)
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, opt := range opts {
		opt(db)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithinTx runs fn inside one database transaction. Nested calls join the
// outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Storage) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- customers ---

func (s *Store) InsertCustomer(ctx context.Context, c ledger.Customer) error {
	query, args, err := psql.Insert("customers").
		Columns(customerColumns...).
		Values(c.ID, c.Name, c.Address, c.State, c.District, c.CreatedAt, nullTime(c.ArchivedAt)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("customer %s already exists", c.ID)
		}
		return err
	}
	return nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c ledger.Customer) error {
	query, args, err := psql.Update("customers").
		Set("name", c.Name).
		Set("address", c.Address).
		Set("state", c.State).
		Set("district", c.District).
		Set("archived_at", nullTime(c.ArchivedAt)).
		Where(sq.Eq{"id": c.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execOne(ctx, "customer", c.ID, query, args)
}

func (s *Store) GetCustomer(ctx context.Context, id string) (ledger.Customer, error) {
	query, args, err := psql.Select(customerColumns...).From("customers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return ledger.Customer{}, err
	}
	c, err := scanCustomer(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, &ledger.NotFoundError{Entity: "customer", ID: id}
	}
	return c, err
}

func (s *Store) ListCustomers(ctx context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	stmt := psql.Select(customerColumns...).From("customers")
	stmt = applyCustomerFilter(stmt, f)
	query, args, err := stmt.OrderBy("name", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Customer, 0)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func applyCustomerFilter(stmt sq.SelectBuilder, f ledger.CustomerFilter) sq.SelectBuilder {
	if f.State != "" {
		stmt = stmt.Where("lower(state) = lower(?)", f.State)
	}
	if f.District != "" {
		stmt = stmt.Where("lower(district) = lower(?)", f.District)
	}
	if f.AddressContains != "" {
		stmt = stmt.Where(sq.ILike{"address": "%" + escapeLike(f.AddressContains) + "%"})
	}
	if !f.IncludeArchived {
		stmt = stmt.Where(sq.Eq{"archived_at": nil})
	}
	return stmt
}

func scanCustomer(row rowScanner) (ledger.Customer, error) {
	var (
		c        ledger.Customer
		archived sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Address, &c.State, &c.District, &c.CreatedAt, &archived); err != nil {
		return ledger.Customer{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ArchivedAt = timePtr(archived)
	return c, nil
}

// --- invoices ---

func (s *Store) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	lines, err := ledger.EncodeLines(inv.Lines)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("invoices").
		Columns(invoiceColumns...).
		Values(inv.ID, inv.CustomerID, string(inv.Kind), inv.CreatedAt, inv.ModifiedAt, string(lines),
			inv.CreditApplied.MinorUnits(), inv.PaymentsReceived.MinorUnits(), nullTime(inv.VoidedAt), inv.VoidReason).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		switch {
		case isPgCode(err, pgErrForeignKeyViolation):
			return &ledger.NotFoundError{Entity: "customer", ID: inv.CustomerID}
		case isPgCode(err, pgErrUniqueViolation):
			return fmt.Errorf("invoice %s already exists", inv.ID)
		}
		return err
	}
	return nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	lines, err := ledger.EncodeLines(inv.Lines)
	if err != nil {
		return err
	}
	query, args, err := psql.Update("invoices").
		Set("modified_at", inv.ModifiedAt).
		Set("lines", string(lines)).
		Set("credit_applied", inv.CreditApplied.MinorUnits()).
		Set("payments_received", inv.PaymentsReceived.MinorUnits()).
		Set("voided_at", nullTime(inv.VoidedAt)).
		Set("void_reason", inv.VoidReason).
		Where(sq.Eq{"id": inv.ID, "customer_id": inv.CustomerID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execOne(ctx, "invoice", inv.ID, query, args)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	query, args, err := psql.Select(invoiceColumns...).From("invoices").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return ledger.Invoice{}, err
	}
	inv, err := scanInvoice(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Invoice{}, &ledger.NotFoundError{Entity: "invoice", ID: id}
	}
	return inv, err
}

func (s *Store) ListInvoicesByCustomer(ctx context.Context, customerID string) ([]ledger.Invoice, error) {
	return s.listInvoices(ctx, psql.Select(invoiceColumns...).From("invoices").
		Where(sq.Eq{"customer_id": customerID}))
}

func (s *Store) ListInvoicesInRange(ctx context.Context, start, end time.Time) ([]ledger.Invoice, error) {
	return s.listInvoices(ctx, psql.Select(invoiceColumns...).From("invoices").
		Where(sq.GtOrEq{"created_at": start}).
		Where(sq.Lt{"created_at": end}))
}

func (s *Store) listInvoices(ctx context.Context, stmt sq.SelectBuilder) ([]ledger.Invoice, error) {
	query, args, err := stmt.OrderBy("created_at", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row rowScanner) (ledger.Invoice, error) {
	var (
		inv          ledger.Invoice
		kind         string
		lines        []byte
		credit, paid int64
		voided       sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.CustomerID, &kind, &inv.CreatedAt, &inv.ModifiedAt, &lines,
		&credit, &paid, &voided, &inv.VoidReason); err != nil {
		return ledger.Invoice{}, err
	}
	decoded, err := ledger.DecodeLines(lines)
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	inv.Kind = ledger.InvoiceKind(kind)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.ModifiedAt = inv.ModifiedAt.UTC()
	inv.Lines = decoded
	inv.CreditApplied = ledger.Money(credit)
	inv.PaymentsReceived = ledger.Money(paid)
	inv.VoidedAt = timePtr(voided)
	inv.Recompute()
	return inv, nil
}

// --- transactions ---

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	allocs, err := json.Marshal(allocationsOrEmpty(tx.Allocations))
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("transactions").
		Columns("id", "customer_id", "amount", "created_at", "idempotency_key", "allocations").
		Values(tx.ID, tx.CustomerID, tx.Amount.MinorUnits(), tx.CreatedAt,
			sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}, string(allocs)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		switch {
		case isPgCode(err, pgErrUniqueViolation):
			return &ledger.ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("key %q already used", tx.IdempotencyKey)}
		case isPgCode(err, pgErrForeignKeyViolation):
			return &ledger.NotFoundError{Entity: "customer", ID: tx.CustomerID}
		}
		return err
	}
	return nil
}

func (s *Store) ListTransactionsByCustomer(ctx context.Context, customerID string) ([]ledger.Transaction, error) {
	query, args, err := psql.Select(transactionColumns...).From("transactions").
		Where(sq.Eq{"customer_id": customerID}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	query, args, err := psql.Select(transactionColumns...).From("transactions").
		Where(sq.Eq{"idempotency_key": key}).
		ToSql()
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx, err := scanTransaction(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: key}
	}
	return tx, err
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		tx     ledger.Transaction
		amount int64
		allocs []byte
	)
	if err := row.Scan(&tx.ID, &tx.CustomerID, &amount, &tx.CreatedAt, &tx.IdempotencyKey, &allocs); err != nil {
		return ledger.Transaction{}, err
	}
	tx.Amount = ledger.Money(amount)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if len(allocs) > 0 {
		if err := json.Unmarshal(allocs, &tx.Allocations); err != nil {
			return ledger.Transaction{}, fmt.Errorf("transaction %s allocations: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func allocationsOrEmpty(a []ledger.Allocation) []ledger.Allocation {
	if a == nil {
		return []ledger.Allocation{}
	}
	return a
}

// --- products ---

func (s *Store) InsertProduct(ctx context.Context, p ledger.Product) error {
	query, args, err := psql.Insert("products").
		Columns(productColumns...).
		Values(p.ID, p.Name, p.UnitPrice.MinorUnits(), p.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("product %s already exists", p.ID)
		}
		return err
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, search string) ([]ledger.Product, error) {
	stmt := psql.Select(productColumns...).From("products")
	if search = strings.TrimSpace(search); search != "" {
		stmt = stmt.Where(sq.ILike{"name": "%" + escapeLike(search) + "%"})
	}
	query, args, err := stmt.OrderBy("lower(name)", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Product, 0)
	for rows.Next() {
		var (
			p     ledger.Product
			price int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.UnitPrice = ledger.Money(price)
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) execOne(ctx context.Context, entity, id, query string, args []any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
