package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"sre-agent/internal/domain"
)

// ErrorCategory says whether a gateway error is worth retrying.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, transient network errors
	ErrorCategoryPermanent               // auth, config, 4xx, context overflow, cancellation
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRetryable:
		return "retryable"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError is the result of classifying a gateway error.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // HTTP status parsed from the message, or 0
}

// Retryable reports whether the orchestrator should retry the call.
func (c ClassifiedError) Retryable() bool { return c.Category == ErrorCategoryRetryable }

// ErrorClassifier sorts model gateway errors into retryable and permanent.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches the "API error <status>:" prefix of HTTP gateway errors.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects err in order: cancellation, wrapped domain sentinels,
// an embedded HTTP status, then well-known transient messages.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}
	if got := c.classifyBySentinel(err); got.Category != ErrorCategoryUnknown {
		return got
	}

	msg := err.Error()
	if m := apiErrorPattern.FindStringSubmatch(msg); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return c.classifyByStatus(err, code)
	}
	return c.classifyByString(err, msg)
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	permanent := []error{
		domain.ErrAuthInvalid,
		domain.ErrContextOverflow,
		domain.ErrCircuitOpen,
		domain.ErrConfig,
		domain.ErrInvalidInput,
	}
	for _, s := range permanent {
		if errors.Is(err, s) {
			return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: s}
		}
	}
	for _, s := range []error{domain.ErrRateLimit, domain.ErrProviderError} {
		if errors.Is(err, s) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: s}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	out := ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	switch {
	case code == 429:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == 401 || code == 403:
		out.Sentinel = domain.ErrAuthInvalid
	case code == 413:
		out.Sentinel = domain.ErrContextOverflow
	case code >= 500 && code < 600:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrProviderError
	}
	return out
}

var transientPatterns = []struct {
	pattern  string
	sentinel error
}{
	{"rate limit", domain.ErrRateLimit},
	{"too many requests", domain.ErrRateLimit},
	{"overloaded", domain.ErrProviderError},
	{"connection refused", nil},
	{"connection reset", nil},
	{"no such host", nil},
	{"i/o timeout", nil},
	{"eof", nil},
}

func (c *ErrorClassifier) classifyByString(err error, msg string) ClassifiedError {
	lower := strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p.pattern) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: p.sentinel}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
