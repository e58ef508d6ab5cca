package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrOverpayment    = errors.New("payment exceeds outstanding balance")
	ErrNegativeResult = errors.New("negative result")
	ErrNotFound       = errors.New("not found")
	ErrStorage        = errors.New("storage failure")
	ErrStorageTimeout = errors.New("storage timeout")
	ErrLockTimeout    = errors.New("customer is busy")
)

// ValidationError reports bad input. Field names the offending attribute path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ledger: validation: " + e.Message
	}
	return fmt.Sprintf("ledger: validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// OverpaymentError is returned when a payment is larger than the customer's balance due.
type OverpaymentError struct {
	Amount      Money
	Outstanding Money
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("ledger: payment %s exceeds outstanding balance %s", e.Amount, e.Outstanding)
}

func (e *OverpaymentError) Is(target error) bool { return target == ErrOverpayment }

// NegativeResultError guards subtractions that must not go below zero.
type NegativeResultError struct {
	Minuend    Money
	Subtrahend Money
}

func (e *NegativeResultError) Error() string {
	return fmt.Sprintf("ledger: %s - %s would be negative", e.Minuend, e.Subtrahend)
}

func (e *NegativeResultError) Is(target error) bool { return target == ErrNegativeResult }

// NotFoundError reports an unknown customer, invoice, transaction or product.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: %s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StorageError wraps a failure of the storage collaborator.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
func (e *StorageError) Unwrap() error        { return e.Err }

// StorageTimeoutError is returned when a storage call exceeds its deadline.
type StorageTimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *StorageTimeoutError) Error() string {
	return fmt.Sprintf("ledger: storage %s timed out after %s", e.Op, e.Timeout)
}

func (e *StorageTimeoutError) Is(target error) bool { return target == ErrStorageTimeout }
func (e *StorageTimeoutError) Unwrap() error        { return e.Err }

// IsRetryable reports whether the whole operation may be retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageTimeout) || errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStorage)
}

// Kind names the category of err for metrics labels and error bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOverpayment):
		return "overpayment"
	case errors.Is(err, ErrNegativeResult):
		return "negative_result"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrStorageTimeout):
		return "storage_timeout"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// wrapStorage normalises collaborator errors into the ledger taxonomy.
func wrapStorage(op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf  *NotFoundError
		se  *StorageError
		ste *StorageTimeoutError
		ve  *ValidationError
	)
	switch {
	case errors.As(err, &nf), errors.As(err, &ste), errors.As(err, &se), errors.As(err, &ve):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &StorageTimeoutError{Op: op, Timeout: timeout, Err: err}
	default:
		return &StorageError{Op: op, Err: err}
	}
}
