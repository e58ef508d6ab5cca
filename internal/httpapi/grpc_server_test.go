package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"ledgerbook.org/internal/auth"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/rpc"
	"ledgerbook.org/internal/store/memory"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(srv.UnaryInterceptor()))
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.Stop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func TestGRPCServer_InfoAndHealth(t *testing.T) {
	engine := ledger.NewEngine(memory.New())
	srv := NewGRPCServer(engine, ReadyProbe{Ledger: engine}, "1.2.3", nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := rpc.NewLedgerClient(conn).Call(ctx, rpc.MethodInfo, nil)
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	var info rpc.InfoResponse
	if err := rpc.DecodeReply(out, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != serviceName || info.Version != "1.2.3" {
		t.Fatalf("unexpected info response: %+v", info)
	}
	if _, err := time.Parse(time.RFC3339, info.Time); err != nil {
		t.Fatalf("invalid time format: %v", err)
	}

	if err := srv.CheckReadiness(ctx); err != nil {
		t.Fatalf("readiness: %v", err)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthFailure(t *testing.T) {
	srv := NewGRPCServer(ledger.NewEngine(memory.New()), failingReadiness{}, "1.0.0", nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.CheckReadiness(ctx); err == nil {
		t.Fatal("expected readiness error")
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestGRPCServer_LedgerErrorsKeepTheirType(t *testing.T) {
	srv := NewGRPCServer(ledger.NewEngine(memory.New()), nil, "dev", nil)
	conn := startBufGRPC(t, srv)
	client := rpc.NewLedgerClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := rpc.Encode(rpc.IDRequest{ID: "nope"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = client.Call(ctx, rpc.MethodGetInvoice, req)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if !errors.Is(rpc.FromStatus(err), ledger.ErrNotFound) {
		t.Fatalf("expected ledger not found, got %v", rpc.FromStatus(err))
	}

	req, err = rpc.Encode(rpc.ApplyPaymentRequest{CustomerID: "c1", Amount: 0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = client.Call(ctx, rpc.MethodApplyPayment, req)
	var ve *ledger.ValidationError
	if !errors.As(rpc.FromStatus(err), &ve) || ve.Field != "amount" {
		t.Fatalf("expected amount validation error, got %v", err)
	}
}

func TestGRPCServer_EnforcesRoles(t *testing.T) {
	tokens, err := auth.NewTokens("grpc-secret", time.Minute)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	srv := NewGRPCServer(ledger.NewEngine(memory.New()), nil, "dev", tokens)
	conn := startBufGRPC(t, srv)
	client := rpc.NewLedgerClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Call(ctx, rpc.MethodInfo, nil); err != nil {
		t.Fatalf("Info must stay public: %v", err)
	}

	req, err := rpc.Encode(ledger.NewCustomer{Name: "Acme", Address: "1 Road", State: "Goa", District: "North"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := client.Call(ctx, rpc.MethodCreateCustomer, req); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	viewer, _, err := tokens.Generate("v", []string{auth.RoleViewer})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	vctx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+viewer)
	if _, err := client.Call(vctx, rpc.MethodCreateCustomer, req); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	clerk, _, err := tokens.Generate("c", []string{auth.RoleClerk})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cctx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+clerk)
	out, err := client.Call(cctx, rpc.MethodCreateCustomer, req)
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	var c ledger.Customer
	if err := rpc.DecodeReply(out, &c); err != nil || c.ID == "" {
		t.Fatalf("unexpected customer %+v: %v", c, err)
	}
}

func TestGRPCServer_RejectsUnknownRequestFields(t *testing.T) {
	srv := NewGRPCServer(ledger.NewEngine(memory.New()), nil, "dev", nil)
	client := rpc.NewLedgerClient(startBufGRPC(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"customer_id":   "c1",
		"credit_aplied": "5.00",
		"lines":         []any{map[string]any{"product_id": "p1", "unit_price": "10.00", "quantity": 1}},
	})
	if err != nil {
		t.Fatalf("new struct: %v", err)
	}
	_, err = client.Call(ctx, rpc.MethodCreateInvoice, req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for misspelled field, got %v", err)
	}
}
