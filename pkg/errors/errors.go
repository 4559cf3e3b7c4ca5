package apperrors

import (
	"errors"
	"fmt"
)

// Standardized exchange errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrUnsupportedMethod     = errors.New("unsupported ccxt method")
	ErrCapabilityMissing     = errors.New("capability not supported")
)

// Dispatcher RPC error codes. These travel on the wire inside the
// {ok:false, error:{code, message}} envelope.
const (
	CodeMissingAPIKey            = "missing_api_key"
	CodeInvalidAPIKey            = "invalid_api_key"
	CodeMissingAccountID         = "missing_account_id"
	CodePermissionDenied         = "permission_denied"
	CodeStrategyPermissionDenied = "strategy_permission_denied"
	CodeAdminRequired            = "admin_required"
	CodeAdminReadOnly            = "admin_read_only"
	CodeUnsupportedEngine        = "unsupported_engine"
	CodeEngineUnavailable        = "engine_unavailable"
	CodeUnsupportedOp            = "unsupported_op"
	CodeUnsupportedQuery         = "unsupported_query"
	CodeValidationError          = "validation_error"
	CodeAccountNotFound          = "account_not_found"
	CodeOrderNotFound            = "order_not_found"
	CodePositionNotFound         = "position_not_found"
	CodeCloseLockHeld            = "close_lock_held"
	CodeDispatcherTimeout        = "dispatcher_timeout"
	CodeDispatcherUnavailable    = "dispatcher_unavailable"
	CodeDispatcherEmptyResponse  = "dispatcher_empty_response"
	CodeDispatcherInvalidJSON    = "dispatcher_invalid_json"
	CodeInternalError            = "internal_error"
)

// CodeError is an error that carries a dispatcher RPC error code.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCode creates a CodeError with just a code.
func NewCode(code string) *CodeError {
	return &CodeError{Code: code}
}

// NewCodef creates a CodeError with a formatted message.
func NewCodef(code, format string, args ...interface{}) *CodeError {
	return &CodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the RPC error code from an error chain. Unrecognized
// errors map to internal_error.
func CodeOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}

// Validation is shorthand for a validation_error with a message.
func Validation(format string, args ...interface{}) *CodeError {
	return NewCodef(CodeValidationError, format, args...)
}
