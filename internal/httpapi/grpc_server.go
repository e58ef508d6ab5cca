package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/auth"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/internal/rpc"
)

// methodRoles is the minimum role per Ledger method. Info is public.
var methodRoles = map[string]string{
	rpc.MethodGetCustomer:           auth.RoleViewer,
	rpc.MethodListCustomersByRegion: auth.RoleViewer,
	rpc.MethodGetInvoice:            auth.RoleViewer,
	rpc.MethodCreateCustomer:        auth.RoleClerk,
	rpc.MethodCreateInvoice:         auth.RoleClerk,
	rpc.MethodApplyPayment:          auth.RoleClerk,
	rpc.MethodVoidInvoice:           auth.RoleAdmin,
}

// GRPCServer serves the Ledger service over the engine.
type GRPCServer struct {
	ledger    *ledger.Engine
	readiness readinessChecker
	version   string
	tokens    *auth.Tokens
	health    *health.Server
}

var _ rpc.LedgerServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper. A nil tokens disables
// authentication.
func NewGRPCServer(engine *ledger.Engine, r readinessChecker, version string, tokens *auth.Tokens) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		ledger:    engine,
		readiness: r,
		version:   version,
		tokens:    tokens,
		health:    health.NewServer(),
	}
}

// Register attaches the Ledger and grpc.health.v1 services.
func (s *GRPCServer) Register(gs grpc.ServiceRegistrar) {
	rpc.RegisterLedgerServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// CheckReadiness probes storage and publishes the result to the health
// service and the readiness gauge.
func (s *GRPCServer) CheckReadiness(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(rpc.ServiceName, st)
	obs.SetReady(err == nil)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

// UnaryInterceptor authenticates callers, enforces method roles and logs
// each call.
func (s *GRPCServer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	prefix := "/" + rpc.ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		method := strings.TrimPrefix(info.FullMethod, prefix)

		var resp any
		ctx, err := s.authorize(ctx, info.FullMethod, method)
		if err == nil {
			resp, err = handler(ctx, req)
		}

		code := status.Code(err)
		log := obs.Logger()
		ev := log.Info()
		if code != codes.OK && code != codes.NotFound && code != codes.InvalidArgument && code != codes.FailedPrecondition {
			ev = log.Warn()
		}
		ev.Str("grpc_method", info.FullMethod).
			Str("code", code.String()).
			Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
			Msg("grpc_complete")
		return resp, err
	}
}

func (s *GRPCServer) authorize(ctx context.Context, fullMethod, method string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if rid := first(md, "x-request-id"); rid != "" {
		ctx = audit.WithRequestID(ctx, rid)
	}
	if !strings.HasPrefix(fullMethod, "/"+rpc.ServiceName+"/") {
		return ctx, nil
	}
	role, guarded := methodRoles[method]
	if s.tokens == nil {
		if user := first(md, "x-ledgerbook-user-id"); user != "" {
			ctx = auth.ContextWithUser(ctx, user, nil)
		}
		return ctx, nil
	}
	if !guarded {
		return ctx, nil
	}

	token, err := extractBearerToken(first(md, "authorization"))
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	principal, err := s.tokens.Parse(token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	if !principal.Allows(role) {
		return ctx, status.Errorf(codes.PermissionDenied, "%s requires role %s", method, role)
	}
	return auth.ContextWithPrincipal(ctx, principal), nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// --- Ledger service ---

func (s *GRPCServer) Info(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(rpc.InfoResponse{
		Name:    serviceName,
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}, nil)
}

func (s *GRPCServer) CreateCustomer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.NewCustomer
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	c, err := s.ledger.CreateCustomer(ctx, req)
	if err == nil {
		recordAudit(ctx, "ledger.customer.create", "customer", c.ID, map[string]string{
			"state":     c.State,
			"district":  c.District,
			"transport": "grpc",
		})
	}
	return reply(c, err)
}

func (s *GRPCServer) GetCustomer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.IDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return reply(s.ledger.GetCustomer(ctx, req.ID))
}

func (s *GRPCServer) ListCustomersByRegion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.CustomerFilter
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	sum, err := s.ledger.RegionBalance(ctx, req)
	if err == nil && sum.Customers == nil {
		sum.Customers = []ledger.CustomerBalance{}
	}
	return reply(sum, err)
}

func (s *GRPCServer) CreateInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.CreateInvoiceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	inv, err := s.ledger.CreateInvoice(ctx, req.CustomerID, req.Lines, req.CreditApplied)
	if err == nil {
		meta := invoiceAudit(inv)
		meta["transport"] = "grpc"
		recordAudit(ctx, "ledger.invoice.create", "invoice", inv.ID, meta)
	}
	return reply(inv, err)
}

func (s *GRPCServer) GetInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.IDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return reply(s.ledger.GetInvoice(ctx, req.ID))
}

func (s *GRPCServer) VoidInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.VoidInvoiceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	inv, err := s.ledger.VoidInvoice(ctx, req.ID, req.Reason)
	if err == nil {
		recordAudit(ctx, "ledger.invoice.void", "invoice", inv.ID, map[string]string{
			"customer_id": inv.CustomerID,
			"net_total":   inv.NetTotal.String(),
			"reason":      inv.VoidReason,
			"transport":   "grpc",
		})
	}
	return reply(inv, err)
}

func (s *GRPCServer) ApplyPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.ApplyPaymentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.ledger.ApplyPayment(ctx, req.CustomerID, req.Amount, strings.TrimSpace(req.IdempotencyKey))
	if err == nil {
		event := "ledger.payment.apply"
		if res.Replayed {
			event = "ledger.payment.idempotent_replay"
		}
		recordAudit(ctx, event, "transaction", res.Transaction.ID, map[string]string{
			"customer_id": req.CustomerID,
			"amount":      req.Amount.String(),
			"invoices":    strconv.Itoa(len(res.Transaction.Allocations)),
			"transport":   "grpc",
		})
	}
	return reply(res, err)
}

func decode(in *structpb.Struct, v any) error {
	if err := rpc.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func reply[T any](v T, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, rpc.Status(err)
	}
	out, err := rpc.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
