// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a broker failure for the caller. Only AuthExpired
// requires action (re-login); every other kind is degradable.
type Kind int

const (
	KindTransient Kind = iota // network/timeouts/5xx, retried and exhausted
	KindAuthExpired           // token invalid or expired, re-login required
	KindUnsupported           // the vendor has no such capability
	KindResolution            // symbol/instrument could not be resolved
	KindMalformed             // vendor payload did not parse
	KindNotConnected          // adapter has no live session
	KindRejected              // vendor rejected the request outright
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindUnsupported:
		return "unsupported"
	case KindResolution:
		return "resolution"
	case KindMalformed:
		return "malformed"
	case KindNotConnected:
		return "not_connected"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Standard sentinel errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrTokenExpired       = errors.New("token expired")
	ErrUnsupported        = errors.New("operation not supported")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDataNotFound       = errors.New("data not found")
	ErrDatabaseError      = errors.New("database error")
)

// BrokerError represents a classified failure from a broker adapter.
type BrokerError struct {
	Kind    Kind
	Broker  string
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	base := fmt.Sprintf("%s: %s: %s", e.Broker, e.Op, e.Kind)
	if e.Code != "" {
		base += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *BrokerError) Unwrap() error {
	// Map kinds onto sentinels so callers can errors.Is without
	// reaching for the struct.
	if e.Err != nil {
		return e.Err
	}
	switch e.Kind {
	case KindAuthExpired:
		return ErrTokenExpired
	case KindNotConnected:
		return ErrNotConnected
	case KindUnsupported:
		return ErrUnsupported
	case KindResolution:
		return ErrSymbolNotFound
	default:
		return nil
	}
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(broker, op string, kind Kind, code, message string, err error) *BrokerError {
	return &BrokerError{
		Kind:    kind,
		Broker:  broker,
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsAuthExpired reports whether err signals that the session token is
// no longer valid and the caller must log in again.
func IsAuthExpired(err error) bool {
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == KindAuthExpired
}

// IsUnsupported reports whether err signals a capability the vendor
// does not offer.
func IsUnsupported(err error) bool {
	if errors.Is(err, ErrUnsupported) {
		return true
	}
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == KindUnsupported
}

// IsNotConnected reports whether err signals a missing session.
func IsNotConnected(err error) bool {
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == KindNotConnected
}

// KindOf extracts the Kind from err, defaulting to KindTransient for
// unclassified errors.
func KindOf(err error) Kind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrTokenExpired) {
		return KindAuthExpired
	}
	if errors.Is(err, ErrNotConnected) {
		return KindNotConnected
	}
	return KindTransient
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
