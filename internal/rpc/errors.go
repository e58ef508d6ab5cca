package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ledgerbook.org/internal/ledger"
)

const errorDomain = "ledgerbook.org"

// Status converts a ledger error into a gRPC status error carrying enough
// detail for FromStatus to rebuild the typed error on the client side.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := ledger.Kind(err)
	info := &errdetails.ErrorInfo{Reason: kind, Domain: errorDomain, Metadata: map[string]string{}}
	code := codes.Internal
	var bad *errdetails.BadRequest

	var (
		ve  *ledger.ValidationError
		nf  *ledger.NotFoundError
		ope *ledger.OverpaymentError
	)
	switch {
	case errors.As(err, &ve):
		code = codes.InvalidArgument
		bad = &errdetails.BadRequest{
			FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: ve.Field, Description: ve.Message}},
		}
	case errors.As(err, &nf):
		code = codes.NotFound
		info.Metadata["entity"] = nf.Entity
		info.Metadata["id"] = nf.ID
	case errors.As(err, &ope):
		code = codes.FailedPrecondition
		info.Metadata["amount"] = ope.Amount.String()
		info.Metadata["outstanding"] = ope.Outstanding.String()
	case errors.Is(err, ledger.ErrNegativeResult):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrLockTimeout), errors.Is(err, ledger.ErrStorageTimeout):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}

	st := status.New(code, err.Error())
	if s, derr := st.WithDetails(info); derr == nil {
		st = s
	}
	if bad != nil {
		if s, derr := st.WithDetails(bad); derr == nil {
			st = s
		}
	}
	return st.Err()
}

// FromStatus rebuilds a ledger error from a status produced by Status. Errors
// without ledger detail are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var (
		info *errdetails.ErrorInfo
		bad  *errdetails.BadRequest
	)
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			if v.GetDomain() == errorDomain {
				info = v
			}
		case *errdetails.BadRequest:
			bad = v
		}
	}
	if info == nil {
		return fromCode(st)
	}
	meta := info.GetMetadata()
	switch info.GetReason() {
	case "validation":
		ve := &ledger.ValidationError{Message: st.Message()}
		if bad != nil && len(bad.GetFieldViolations()) > 0 {
			fv := bad.GetFieldViolations()[0]
			ve.Field, ve.Message = fv.GetField(), fv.GetDescription()
		}
		return ve
	case "not_found":
		return &ledger.NotFoundError{Entity: meta["entity"], ID: meta["id"]}
	case "overpayment":
		amount, _ := ledger.ParseMoney(meta["amount"])
		outstanding, _ := ledger.ParseMoney(meta["outstanding"])
		return &ledger.OverpaymentError{Amount: amount, Outstanding: outstanding}
	case "negative_result":
		return fmt.Errorf("%s: %w", st.Message(), ledger.ErrNegativeResult)
	case "lock_timeout":
		return fmt.Errorf("%s: %w", st.Message(), ledger.ErrLockTimeout)
	case "storage_timeout":
		return &ledger.StorageTimeoutError{Op: "remote", Err: errors.New(st.Message())}
	case "storage":
		return &ledger.StorageError{Op: "remote", Err: errors.New(st.Message())}
	}
	return err
}

func fromCode(st *status.Status) error {
	switch st.Code() {
	case codes.NotFound:
		return &ledger.NotFoundError{Entity: "resource", ID: st.Message()}
	case codes.InvalidArgument:
		return &ledger.ValidationError{Message: st.Message()}
	}
	return st.Err()
}
