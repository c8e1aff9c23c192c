package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks fetch failures worth retrying: network errors,
	// timeouts, 429 and 5xx responses.
	ErrTransient = errors.New("transient catalog fetch failure")
	// ErrDataIntegrity marks a payload that is not valid JSON or does not
	// match the catalog schema. It is never retried.
	ErrDataIntegrity = errors.New("catalog payload failed integrity checks")
)

// FetchError describes a failed catalog fetch.
type FetchError struct {
	Source     string
	StatusCode int
	Kind       error // ErrTransient, ErrDataIntegrity or nil
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetching catalog from " + e.Source
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
