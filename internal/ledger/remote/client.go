// Package remote is a typed client for the Ledger gRPC service. Errors come
// back as the same ledger error types the engine returns locally.
package remote

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"ledgerbook.org/internal/auth"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/rpc"
)

// Client wraps the gRPC ledger service.
type Client struct {
	conn  *grpc.ClientConn
	svc   *rpc.LedgerClient
	token string
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, svc: rpc.NewLedgerClient(conn)}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{svc: rpc.NewLedgerClient(cc)}
}

// WithToken returns a copy that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	out := *c
	out.token = strings.TrimSpace(token)
	return &out
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Info returns the server name and version.
func (c *Client) Info(ctx context.Context) (name, version string, err error) {
	var out rpc.InfoResponse
	if err := c.call(ctx, rpc.MethodInfo, struct{}{}, &out); err != nil {
		return "", "", err
	}
	return out.Name, out.Version, nil
}

func (c *Client) CreateCustomer(ctx context.Context, in ledger.NewCustomer) (ledger.Customer, error) {
	var out ledger.Customer
	err := c.call(ctx, rpc.MethodCreateCustomer, in, &out)
	return out, err
}

func (c *Client) GetCustomer(ctx context.Context, id string) (ledger.CustomerBalance, error) {
	var out ledger.CustomerBalance
	err := c.call(ctx, rpc.MethodGetCustomer, rpc.IDRequest{ID: id}, &out)
	return out, err
}

func (c *Client) ListCustomersByRegion(ctx context.Context, f ledger.CustomerFilter) (ledger.RegionSummary, error) {
	var out ledger.RegionSummary
	err := c.call(ctx, rpc.MethodListCustomersByRegion, f, &out)
	return out, err
}

func (c *Client) CreateInvoice(ctx context.Context, customerID string, lines []ledger.LineItem, credit ledger.Money) (ledger.Invoice, error) {
	var out ledger.Invoice
	err := c.call(ctx, rpc.MethodCreateInvoice, rpc.CreateInvoiceRequest{
		CustomerID:    customerID,
		Lines:         lines,
		CreditApplied: credit,
	}, &out)
	return out, err
}

func (c *Client) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	var out ledger.Invoice
	err := c.call(ctx, rpc.MethodGetInvoice, rpc.IDRequest{ID: id}, &out)
	return out, err
}

func (c *Client) VoidInvoice(ctx context.Context, id, reason string) (ledger.Invoice, error) {
	var out ledger.Invoice
	err := c.call(ctx, rpc.MethodVoidInvoice, rpc.VoidInvoiceRequest{ID: id, Reason: reason}, &out)
	return out, err
}

func (c *Client) ApplyPayment(ctx context.Context, customerID string, amount ledger.Money, idempotencyKey string) (ledger.PaymentResult, error) {
	var out ledger.PaymentResult
	err := c.call(ctx, rpc.MethodApplyPayment, rpc.ApplyPaymentRequest{
		CustomerID:     customerID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}, &out)
	return out, err
}

// Helpers -----------------------------------------------------------------

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := rpc.Encode(in)
	if err != nil {
		return err
	}
	resp, err := c.svc.Call(c.outgoing(ctx), method, req)
	if err != nil {
		return rpc.FromStatus(err)
	}
	return rpc.DecodeReply(resp, out)
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	var pairs []string
	if c.token != "" {
		pairs = append(pairs, "authorization", "Bearer "+c.token)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		pairs = append(pairs, "x-ledgerbook-user-id", userID)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
