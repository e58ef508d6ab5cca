// Package rpc defines the ledgerbook.v1.Ledger gRPC service. Messages are
// google.protobuf.Struct values carrying the JSON form of ledger types, so the
// service needs no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "ledgerbook.v1.Ledger"

const (
	MethodInfo                  = "Info"
	MethodCreateCustomer        = "CreateCustomer"
	MethodGetCustomer           = "GetCustomer"
	MethodListCustomersByRegion = "ListCustomersByRegion"
	MethodCreateInvoice         = "CreateInvoice"
	MethodGetInvoice            = "GetInvoice"
	MethodVoidInvoice           = "VoidInvoice"
	MethodApplyPayment          = "ApplyPayment"
)

// LedgerServer is implemented by the transport adapter over the engine.
type LedgerServer interface {
	Info(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateCustomer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCustomer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCustomersByRegion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VoidInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the Ledger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodInfo, Handler: unaryHandler(MethodInfo, LedgerServer.Info)},
		{MethodName: MethodCreateCustomer, Handler: unaryHandler(MethodCreateCustomer, LedgerServer.CreateCustomer)},
		{MethodName: MethodGetCustomer, Handler: unaryHandler(MethodGetCustomer, LedgerServer.GetCustomer)},
		{MethodName: MethodListCustomersByRegion, Handler: unaryHandler(MethodListCustomersByRegion, LedgerServer.ListCustomersByRegion)},
		{MethodName: MethodCreateInvoice, Handler: unaryHandler(MethodCreateInvoice, LedgerServer.CreateInvoice)},
		{MethodName: MethodGetInvoice, Handler: unaryHandler(MethodGetInvoice, LedgerServer.GetInvoice)},
		{MethodName: MethodVoidInvoice, Handler: unaryHandler(MethodVoidInvoice, LedgerServer.VoidInvoice)},
		{MethodName: MethodApplyPayment, Handler: unaryHandler(MethodApplyPayment, LedgerServer.ApplyPayment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledgerbook/v1/ledger",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// LedgerClient calls the Ledger service over a connection.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// Call invokes method with req and returns the raw response message.
func (c *LedgerClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
