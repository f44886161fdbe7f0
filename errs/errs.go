// Package errs provides structured error types and helpers for storekit.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by the engine.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeStock indicates a requested quantity exceeding known availability.
	CodeStock Code = "insufficient_stock"
	// CodeNetwork indicates a transport timeout or connectivity failure.
	CodeNetwork Code = "network"
	// CodeServer indicates a remote 5xx failure.
	CodeServer Code = "server_error"
	// CodeSchema indicates a versioned record that no longer matches the current schema.
	CodeSchema Code = "schema_mismatch"
	// CodeQuota indicates the durable store rejected a write for capacity reasons.
	CodeQuota Code = "storage_quota"
	// CodeNotFound indicates a missing record or resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a component is closed or temporarily unusable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the engine.
type E struct {
	Scope   string
	Code    Code
	HTTP    int
	Message string
	Detail  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		HTTP:    0,
		Message: "",
		Detail:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Detail == nil {
			e.Detail = make(map[string]string, 1)
		}
		e.Detail[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Detail) > 0 {
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Detail[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure category from err, walking the unwrap chain.
// Errors without an envelope report an empty Code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given failure category.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err represents a transient failure worth retrying.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeServer, CodeUnavailable:
		return true
	default:
		return false
	}
}
