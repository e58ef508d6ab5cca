package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"ledgerbook.org/internal/ledger"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/customers":                          "/v1/customers",
		"/v1/customers/01HX":                     "/v1/customers/:id",
		"/v1/customers/01HX/invoices":            "/v1/customers/:id/invoices",
		"/v1/customers/01HX/payments?dry=1":      "/v1/customers/:id/payments",
		"/v1/customers/01HX/extra":               "/v1/customers/01HX/extra",
		"/v1/invoices/abc/void":                  "/v1/invoices/:id/void",
		"/v1/invoices?from=2024-01-01":           "/v1/invoices",
		"/v1/regions/balance":                    "/v1/regions/balance",
		"/v1/products/abc":                       "/v1/products/abc",
		"/v1/customers/01HX/invoices/extra/deep": "/v1/customers/01HX/invoices/extra/deep",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLedgerMetricsCountsByOutcome(t *testing.T) {
	m := LedgerMetrics{}
	before := testutil.ToFloat64(ledgerOps.WithLabelValues("apply_payment", "overpayment"))
	m.ObserveOperation("apply_payment", &ledger.OverpaymentError{Amount: 2, Outstanding: 1}, time.Millisecond)
	m.ObserveOperation("apply_payment", nil, time.Millisecond)
	if got := testutil.ToFloat64(ledgerOps.WithLabelValues("apply_payment", "overpayment")); got != before+1 {
		t.Fatalf("overpayment count = %v, want %v", got, before+1)
	}

	amountBefore := testutil.ToFloat64(paymentsAmount)
	m.ObservePayment(ledger.MustParseMoney("12.50"))
	if got := testutil.ToFloat64(paymentsAmount); got != amountBefore+1250 {
		t.Fatalf("payments amount = %v, want %v", got, amountBefore+1250)
	}

	SetOutstanding(ledger.MustParseMoney("100.01"))
	if got := testutil.ToFloat64(outstanding); got != 10001 {
		t.Fatalf("outstanding = %v", got)
	}
	if got := ledger.Kind(errors.New("x")); got != "internal" {
		t.Fatalf("kind = %q", got)
	}
}

func TestLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	log := Logger()
	log.Info().Str("component", "test").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"ts", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing %q in %v", key, entry)
		}
	}
}

func TestFromContextPrefersRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()
	ctx := l.WithContext(context.Background())

	log := FromContext(ctx)
	log.Info().Msg("scoped")
	if !bytes.Contains(buf.Bytes(), []byte(`"request_id":"r-1"`)) {
		t.Fatalf("expected request scoped logger, got %q", buf.String())
	}

	if FromContext(context.Background()).GetLevel() == zerolog.Disabled {
		t.Fatal("fallback logger must not be disabled")
	}
}
