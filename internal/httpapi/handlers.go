package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerbook.org/internal/auth"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/internal/stream"
)

const serviceName = "ledgerbook-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks that the ledger can reach its storage.
type ReadyProbe struct {
	Ledger interface{ Ping(context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ledger == nil {
		return nil
	}
	return rp.Ledger.Ping(ctx)
}

// Options tunes the HTTP surface. A nil Tokens disables authentication.
type Options struct {
	Version      string
	Tokens       *auth.Tokens
	Users        *auth.Directory
	Stream       *stream.Stream
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
	CORSOrigins  []string
}

// API is the HTTP layer over the ledger engine.
type API struct {
	router     chi.Router
	ledger     *ledger.Engine
	stream     *stream.Stream
	tokens     *auth.Tokens
	users      *auth.Directory
	readiness  readinessChecker
	version    string
	rateBurst  int
	ratePerSec int
	maxBody    int64
	origins    []string
}

func New(engine *ledger.Engine, rp readinessChecker, opts Options) *API {
	a := &API{
		ledger:     engine,
		stream:     opts.Stream,
		tokens:     opts.Tokens,
		users:      opts.Users,
		readiness:  rp,
		version:    opts.Version,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
		maxBody:    opts.MaxBodyBytes,
		origins:    opts.CORSOrigins,
	}
	if a.readiness == nil {
		a.readiness = ReadyProbe{}
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(obs.Instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Post("/auth/token", a.handleAuthToken)

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleViewer))
				r.Get("/customers", a.listCustomers)
				r.Get("/customers/{id}", a.getCustomer)
				r.Get("/customers/{id}/invoices", a.listCustomerInvoices)
				r.Get("/customers/{id}/transactions", a.listTransactions)
				r.Get("/regions/balance", a.regionBalance)
				r.Get("/invoices", a.listInvoicesInRange)
				r.Get("/invoices/{id}", a.getInvoice)
				r.Get("/invoices/{id}/snapshot", a.invoiceSnapshot)
				r.Get("/products", a.listProducts)
				r.Get("/events", a.Stream)
			})

			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleClerk))
				r.Post("/customers", a.createCustomer)
				r.Post("/customers/{id}/payments", a.applyPayment)
				r.Post("/customers/{id}/opening-balance", a.createOpeningBalance)
				r.Post("/invoices", a.createInvoice)
				r.Put("/invoices/{id}/lines", a.editLines)
			})

			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAdmin))
				r.Delete("/customers/{id}", a.archiveCustomer)
				r.Post("/invoices/{id}/void", a.voidInvoice)
				r.Post("/products", a.createProduct)
			})
		})
	})
	return r
}

// Handler wraps the router with the transport middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
