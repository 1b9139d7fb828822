package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// ErrorKind is the closed taxonomy surfaced by the command gateway. Callers
// branch on kinds, never on concrete error types or messages.
type ErrorKind string

const (
	ErrKindValidation            ErrorKind = "VALIDATION"
	ErrKindInsufficientAvailable ErrorKind = "INSUFFICIENT_AVAILABLE"
	ErrKindVersionConflict       ErrorKind = "VERSION_CONFLICT"
	ErrKindConflict              ErrorKind = "CONFLICT"
	ErrKindNotFound              ErrorKind = "NOT_FOUND"
	ErrKindIdempotencyConflict   ErrorKind = "IDEMPOTENCY_CONFLICT"
	ErrKindLotExpired            ErrorKind = "LOT_EXPIRED_DURING_ALLOCATION"
	ErrKindNegativeAvailable     ErrorKind = "NEGATIVE_AVAILABLE"
	ErrKindLotOverconsumption    ErrorKind = "LOT_OVERCONSUMPTION"
	ErrKindConsistencyFault      ErrorKind = "CONSISTENCY_FAULT"
)

type DomainError struct {
	Kind    ErrorKind
	Message string

	// Set only for INSUFFICIENT_AVAILABLE.
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *DomainError) Error() string {
	if e.Kind == ErrKindInsufficientAvailable {
		return fmt.Sprintf("%s: requested %s, available %s", e.Kind, e.Requested.StringFixed(4), e.Available.StringFixed(4))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewValidationError(format string, args ...any) error {
	return &DomainError{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) error {
	return &DomainError{Kind: ErrKindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewInsufficientAvailableError(requested, available decimal.Decimal) error {
	return &DomainError{
		Kind:      ErrKindInsufficientAvailable,
		Requested: requested,
		Available: available,
	}
}

func NewVersionConflictError(format string, args ...any) error {
	return &DomainError{Kind: ErrKindVersionConflict, Message: fmt.Sprintf(format, args...)}
}

func NewIdempotencyConflictError(format string, args ...any) error {
	return &DomainError{Kind: ErrKindIdempotencyConflict, Message: fmt.Sprintf(format, args...)}
}

func NewLotExpiredError(format string, args ...any) error {
	return &DomainError{Kind: ErrKindLotExpired, Message: fmt.Sprintf(format, args...)}
}

// NewConsistencyFaultError marks an invariant violation (negative balance,
// lot over-consumption, lot-sum mismatch). Faults are logged and counted but
// never auto-repaired.
func NewConsistencyFaultError(kind ErrorKind, format string, args ...any) error {
	return &DomainError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or "" for non-domain errors.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsConsistencyFault reports whether the error is any of the fatal invariant
// violations of the taxonomy.
func IsConsistencyFault(err error) bool {
	switch KindOf(err) {
	case ErrKindNegativeAvailable, ErrKindLotOverconsumption, ErrKindConsistencyFault:
		return true
	}
	return false
}

// IsRetryableTxError reports whether the error is a transient storage-level
// failure the gateway should retry: an optimistic version conflict, a MySQL
// deadlock (1213) or lock wait timeout (1205).
func IsRetryableTxError(err error) bool {
	if IsKind(err, ErrKindVersionConflict) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// IsDuplicateKeyError detects MySQL duplicate-entry (1062), used to resolve
// idempotency insert races.
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
