package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrTransient covers network failures, throttling and server errors.
	ErrTransient = errors.New("transient provider error")
	// ErrAuthorization means the caller lacks permission to read the resource.
	ErrAuthorization = errors.New("not authorized")
	// ErrNotFound means the expected resource or configuration does not exist.
	ErrNotFound = errors.New("not found")
)

// Error is a classified provider failure.
type Error struct {
	Op         string // "list_resources", "get_properties", "get_role_assignments"
	Resource   string
	StatusCode int
	Kind       error
	Err        error
}

// NewError classifies err by the HTTP status code returned by the provider.
func NewError(op, resource string, statusCode int, err error) *Error {
	return &Error{
		Op:         op,
		Resource:   resource,
		StatusCode: statusCode,
		Kind:       KindForStatus(statusCode),
		Err:        err,
	}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Resource != "" {
		msg += " " + e.Resource
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindForStatus maps an HTTP status code onto an error kind, or nil when
// the status carries no specific meaning. A zero status (no response) is
// transient.
func KindForStatus(code int) error {
	switch {
	case code == 0:
		return ErrTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrAuthorization
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	}
	return nil
}

// IsTransient reports whether err is worth retrying. Timeouts count as
// transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Describe returns a short human-readable cause for err, used in finding
// descriptions.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthorization):
		return "permission denied: " + err.Error()
	case errors.Is(err, ErrNotFound):
		return "not found: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out: " + err.Error()
	case errors.Is(err, ErrTransient):
		return "provider unreachable: " + err.Error()
	default:
		return "unexpected error: " + err.Error()
	}
}
