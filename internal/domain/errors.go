package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	// Configuration errors are fatal and never retried.
	ErrConfig         = fmt.Errorf("configuration error")
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrToolNotFound   = fmt.Errorf("%w: tool not found", ErrConfig)
	ErrUnknownBackend = fmt.Errorf("%w: unknown backend", ErrConfig)

	// Recoverable: fed back to the model as an error tool result.
	ErrToolFailure = fmt.Errorf("tool execution failed")

	// Run-terminal outcomes.
	ErrBackendConnect     = fmt.Errorf("backend connection failed")
	ErrRetryExhausted     = fmt.Errorf("tool retries exhausted")
	ErrRunTimeout         = fmt.Errorf("run timed out: %w", ErrTimeout)
	ErrSafetyBlocked      = fmt.Errorf("blocked by safety filter")
	ErrFirewall           = fmt.Errorf("safety filter unavailable")
	ErrUnsupportedService = fmt.Errorf("%w: unsupported service", ErrInvalidInput)

	// Trigger boundary.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrAuditWrite        = fmt.Errorf("audit log write failed")
	ErrNotifyFailed      = fmt.Errorf("notification failed")

	// Model gateway errors.
	ErrProviderNotFound = fmt.Errorf("%w: llm provider not found", ErrConfig)
	ErrContextOverflow  = fmt.Errorf("context window exceeded")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen      = fmt.Errorf("circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "SessionSet.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient gateway error that may
// succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeConfig             ErrorCode = "CONFIG"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeUnknownBackend     ErrorCode = "UNKNOWN_BACKEND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeBackendConnect     ErrorCode = "BACKEND_CONNECT"
	CodeRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	CodeRunTimeout         ErrorCode = "RUN_TIMEOUT"
	CodeSafetyBlocked      ErrorCode = "SAFETY_BLOCKED"
	CodeFirewall           ErrorCode = "FIREWALL"
	CodeUnsupportedService ErrorCode = "UNSUPPORTED_SERVICE"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeNotifyFailed       ErrorCode = "NOTIFY_FAILED"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
)

// errorCodeChain is checked in order so that specific sentinels win over the
// category sentinels they wrap.
var errorCodeChain = []struct {
	err  error
	code ErrorCode
}{
	{ErrToolNotFound, CodeToolNotFound},
	{ErrUnknownBackend, CodeUnknownBackend},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrUnsupportedService, CodeUnsupportedService},
	{ErrRunTimeout, CodeRunTimeout},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrToolFailure, CodeToolFailure},
	{ErrBackendConnect, CodeBackendConnect},
	{ErrRetryExhausted, CodeRetryExhausted},
	{ErrSafetyBlocked, CodeSafetyBlocked},
	{ErrFirewall, CodeFirewall},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrNotifyFailed, CodeNotifyFailed},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrConfig, CodeConfig},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodeChain {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// OutcomeOf maps a run error to its outcome. A nil error is a completed run.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrSafetyBlocked):
		return OutcomeBlocked
	case errors.Is(err, ErrRetryExhausted):
		return OutcomeRetryExhausted
	case errors.Is(err, ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrBackendConnect):
		return OutcomeConnectionFailed
	case errors.Is(err, ErrConfig):
		return OutcomeConfigError
	default:
		return OutcomeFailed
	}
}
