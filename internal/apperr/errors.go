// Package apperr defines the engine's error taxonomy. Every rejection that
// reaches a trader carries one of these codes.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. The string value is what clients see.
type Code string

const (
	CodeInvalidSignature       Code = "InvalidSignature"
	CodeOrderExpired           Code = "OrderExpired"
	CodeNonceMismatch          Code = "NonceMismatch"
	CodeInsufficientMargin     Code = "InsufficientMargin"
	CodeInvalidOrderParameters Code = "InvalidOrderParameters"
	CodeMarketInactive         Code = "MarketInactive"
	CodeSettlementTxFailed     Code = "SettlementTxFailed"
	CodeLiquidationShortfall   Code = "LiquidationShortfall"
	CodeOrderNotFound          Code = "OrderNotFound"
	CodeInternal               Code = "Internal"
)

// Error is a coded error. Two errors match under errors.Is when their codes
// are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err == nil {
		return string(e.Code)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidSignature       = &Error{Code: CodeInvalidSignature}
	ErrOrderExpired           = &Error{Code: CodeOrderExpired}
	ErrNonceMismatch          = &Error{Code: CodeNonceMismatch}
	ErrInsufficientMargin     = &Error{Code: CodeInsufficientMargin}
	ErrInvalidOrderParameters = &Error{Code: CodeInvalidOrderParameters}
	ErrMarketInactive         = &Error{Code: CodeMarketInactive}
	ErrSettlementTxFailed     = &Error{Code: CodeSettlementTxFailed}
	ErrLiquidationShortfall   = &Error{Code: CodeLiquidationShortfall}
	ErrOrderNotFound          = &Error{Code: CodeOrderNotFound}
)

// New returns a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
