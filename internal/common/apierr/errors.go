// Package apierr defines the typed error taxonomy shared by every service
// in the control plane. Errors cross service boundaries as stable codes;
// nothing downstream should ever switch on a raw error string.
package apierr

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-safe error identifier.
type Code string

const (
	CodeValidation           Code = "validation_error"
	CodeAuth                 Code = "auth_error"
	CodeCircuitBreakerTripped Code = "circuit_breaker_tripped"
	CodeRiskViolation        Code = "risk_violation"
	CodeModelNotLoaded       Code = "model_not_loaded"
	CodeReconcilerNotReady   Code = "reconciler_not_ready"
	CodeBrokerError          Code = "broker_error"
	CodeStorageError         Code = "storage_error"
)

// HTTPStatus returns the status code a handler should set for err, walking
// through wrapped errors. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch e := err.(type) {
	case *ValidationError:
		return 400
	case *AuthError:
		return e.Status()
	case *CircuitBreakerTrippedError:
		return 409
	case *RiskViolationError:
		return 409
	case *ModelNotLoadedError:
		return 503
	case *ReconcilerNotReadyError:
		return 503
	case *BrokerErrorKind:
		return e.Status()
	case *StorageErrorKind:
		return 500
	default:
		if inner := errors.Unwrap(err); inner != nil {
			return HTTPStatus(inner)
		}
		return 500
	}
}

// ValidationError: malformed request, universe too small for top-N/bottom-N.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s", e.Msg) }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError: missing or insufficient step-up for destructive actions.
type AuthError struct {
	Msg       string
	Forbidden bool // true => 403, false => 401
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s", e.Msg) }

func (e *AuthError) Status() int {
	if e.Forbidden {
		return 403
	}
	return 401
}

func NewAuthError(forbidden bool, format string, args ...interface{}) *AuthError {
	return &AuthError{Msg: fmt.Sprintf(format, args...), Forbidden: forbidden}
}

// CircuitBreakerTrippedError: entry blocked; reducing orders may still be allowed.
type CircuitBreakerTrippedError struct {
	Reason string
}

func (e *CircuitBreakerTrippedError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %s", e.Reason)
}

func NewCircuitBreakerTripped(reason string) *CircuitBreakerTrippedError {
	return &CircuitBreakerTrippedError{Reason: reason}
}

// RiskViolationReason enumerates the fixed set of risk-check failures.
type RiskViolationReason string

const (
	RiskReasonBlacklist      RiskViolationReason = "blacklist"
	RiskReasonPerSymbolCap   RiskViolationReason = "per_symbol_cap"
	RiskReasonTotalNotional  RiskViolationReason = "total_notional"
	RiskReasonDailyLoss      RiskViolationReason = "daily_loss"
	RiskReasonCBEntryBlocked RiskViolationReason = "cb_entry_blocked"
	RiskReasonUnsafeLimit    RiskViolationReason = "tripped_limit_order_unsafe"
)

// RiskViolationError: one of blacklist|per_symbol_cap|total_notional|daily_loss|
// cb_entry_blocked|tripped_limit_order_unsafe.
type RiskViolationError struct {
	Reason RiskViolationReason
	Detail string
}

func (e *RiskViolationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk violation: %s", e.Reason)
	}
	return fmt.Sprintf("risk violation: %s (%s)", e.Reason, e.Detail)
}

func NewRiskViolation(reason RiskViolationReason, detail string) *RiskViolationError {
	return &RiskViolationError{Reason: reason, Detail: detail}
}

// ModelNotLoadedError: no active model for the requested strategy.
type ModelNotLoadedError struct {
	StrategyID string
}

func (e *ModelNotLoadedError) Error() string {
	return fmt.Sprintf("no active model loaded for strategy %q", e.StrategyID)
}

// ReconcilerNotReadyError: the reconciled gate is unset for this service.
type ReconcilerNotReadyError struct {
	Service string
}

func (e *ReconcilerNotReadyError) Error() string {
	return fmt.Sprintf("reconciler gate unset for %s", e.Service)
}

// BrokerErrorKind distinguishes retriable from permanent broker failures.
type BrokerErrorKind struct {
	Retriable bool
	Msg       string
}

func (e *BrokerErrorKind) Error() string { return fmt.Sprintf("broker error: %s", e.Msg) }

func (e *BrokerErrorKind) Status() int {
	if e.Retriable {
		return 502
	}
	return 504
}

func NewBrokerError(retriable bool, format string, args ...interface{}) *BrokerErrorKind {
	return &BrokerErrorKind{Retriable: retriable, Msg: fmt.Sprintf(format, args...)}
}

// StorageErrorKind: transient vs permanent. The services return both kinds
// to their caller as-is; no code path in this module retries a transient one.
type StorageErrorKind struct {
	Transient bool
	Msg       string
}

func (e *StorageErrorKind) Error() string { return fmt.Sprintf("storage error: %s", e.Msg) }

func NewStorageError(transient bool, err error) *StorageErrorKind {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	return &StorageErrorKind{Transient: transient, Msg: msg}
}

// DuplicateOrder is not an error per §7: it signals "return the existing
// record" to callers that branch on it, without being surfaced as a failure.
type DuplicateOrder struct {
	ClientOrderID string
}

func (e *DuplicateOrder) Error() string {
	return fmt.Sprintf("duplicate order: %s", e.ClientOrderID)
}
