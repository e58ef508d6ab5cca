package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/internal/rpc"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}

type paymentRequest struct {
	Amount         ledger.Money `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type openingBalanceRequest struct {
	Description string       `json:"description"`
	Amount      ledger.Money `json:"amount"`
}

type editLinesRequest struct {
	Lines []ledger.LineItem `json:"lines"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type productRequest struct {
	Name      string       `json:"name"`
	UnitPrice ledger.Money `json:"unit_price"`
}

// --- customers ---

func (a *API) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req ledger.NewCustomer
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.ledger.CreateCustomer(r.Context(), req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.customer.create", "customer", c.ID, map[string]string{
		"state":    c.State,
		"district": c.District,
	})
	w.Header().Set("Location", "/v1/customers/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listCustomers(w http.ResponseWriter, r *http.Request) {
	f, err := customerFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	customers, err := a.ledger.ListCustomersByRegion(r.Context(), f)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(customers))
}

func (a *API) regionBalance(w http.ResponseWriter, r *http.Request) {
	f, err := customerFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := a.ledger.RegionBalance(r.Context(), f)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if sum.Customers == nil {
		sum.Customers = []ledger.CustomerBalance{}
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := a.ledger.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) archiveCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := a.ledger.ArchiveCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.customer.archive", "customer", c.ID, nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) listCustomerInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := a.ledger.ListInvoicesByCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(invoices))
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.ledger.ListTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(txs))
}

func (a *API) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	customerID := chi.URLParam(r, "id")
	res, err := a.ledger.ApplyPayment(r.Context(), customerID, req.Amount, idem)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	meta := map[string]string{
		"customer_id": customerID,
		"amount":      req.Amount.String(),
		"invoices":    strconv.Itoa(len(res.Transaction.Allocations)),
	}
	if idem != "" {
		meta["idempotency_key"] = idem
	}
	event, code := "ledger.payment.apply", http.StatusCreated
	if res.Replayed {
		event, code = "ledger.payment.idempotent_replay", http.StatusOK
	}
	recordAudit(r.Context(), event, "transaction", res.Transaction.ID, meta)
	writeJSON(w, code, res)
}

func (a *API) createOpeningBalance(w http.ResponseWriter, r *http.Request) {
	var req openingBalanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.ledger.CreateOpeningBalance(r.Context(), chi.URLParam(r, "id"), req.Description, req.Amount)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.invoice.opening_balance", "invoice", inv.ID, invoiceAudit(inv))
	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	writeJSON(w, http.StatusCreated, inv)
}

// --- invoices ---

func (a *API) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req rpc.CreateInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.ledger.CreateInvoice(r.Context(), req.CustomerID, req.Lines, req.CreditApplied)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.invoice.create", "invoice", inv.ID, invoiceAudit(inv))
	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) listInvoicesInRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	invoices, err := a.ledger.ListInvoicesInRange(r.Context(), start, end)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(invoices))
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := a.ledger.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) invoiceSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.ledger.InvoiceSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) editLines(w http.ResponseWriter, r *http.Request) {
	var req editLinesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.ledger.EditLines(r.Context(), chi.URLParam(r, "id"), req.Lines)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.invoice.edit_lines", "invoice", inv.ID, invoiceAudit(inv))
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) voidInvoice(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.ledger.VoidInvoice(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.invoice.void", "invoice", inv.ID, map[string]string{
		"customer_id": inv.CustomerID,
		"net_total":   inv.NetTotal.String(),
		"reason":      inv.VoidReason,
	})
	writeJSON(w, http.StatusOK, inv)
}

// --- products ---

func (a *API) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.ledger.CreateProduct(r.Context(), req.Name, req.UnitPrice)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	recordAudit(r.Context(), "ledger.product.create", "product", p.ID, map[string]string{
		"unit_price": p.UnitPrice.String(),
	})
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.ledger.ListProducts(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(products))
}

// --- helpers ---

func customerFilter(r *http.Request) (ledger.CustomerFilter, error) {
	q := r.URL.Query()
	f := ledger.CustomerFilter{
		State:           q.Get("state"),
		District:        q.Get("district"),
		AddressContains: q.Get("address"),
	}
	if raw := strings.TrimSpace(q.Get("include_archived")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.New("include_archived must be a boolean")
		}
		f.IncludeArchived = v
	}
	return f, nil
}

// parseTime accepts RFC3339 timestamps or plain dates (UTC midnight).
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

// recordAudit writes one audit line for a committed ledger mutation.
func recordAudit(ctx context.Context, event, entity, id string, meta map[string]string) {
	fields := map[string]any{
		"entity": entity,
		"id":     id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		log := obs.FromContext(ctx)
		log.Warn().Err(err).Str("event", event).Msg("audit log failed")
	}
}

func invoiceAudit(inv ledger.Invoice) map[string]string {
	return map[string]string{
		"customer_id": inv.CustomerID,
		"lines":       strconv.Itoa(len(inv.Lines)),
		"net_total":   inv.NetTotal.String(),
		"outstanding": inv.Outstanding.String(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

type errorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Field       string `json:"field,omitempty"`
	Outstanding string `json:"outstanding,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorResponse{
		Error:     err.Error(),
		Code:      ledger.Kind(err),
		RequestID: RequestIDFromContext(r.Context()),
	}
	var (
		ve  *ledger.ValidationError
		ope *ledger.OverpaymentError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body.Field = ve.Field
	case errors.Is(err, ledger.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &ope):
		code = http.StatusConflict
		body.Outstanding = ope.Outstanding.String()
	case errors.Is(err, ledger.ErrNegativeResult):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrLockTimeout), errors.Is(err, ledger.ErrStorageTimeout):
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
		body.Error = "request canceled"
	case errors.Is(err, ledger.ErrStorage):
		body.Error = "storage failure"
	default:
		body.Error = "internal error"
	}
	if code >= http.StatusInternalServerError {
		log := obs.FromContext(r.Context())
		log.Error().Err(err).Str("kind", body.Code).Msg("ledger operation failed")
	}
	writeJSON(w, code, body)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
