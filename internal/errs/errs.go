// Package errs holds the failure taxonomy shared by every harvest component.
// Callers classify with errors.As; nothing here is retried automatically.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// TransientNetworkError is a rate-limit or timeout signal. Retryable.
type TransientNetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransientNetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient failure on %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("transient failure on %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// NavigationFailure is a dead link, a blocked URL or a malformed target.
// It is scoped to one record or page and is never retried.
type NavigationFailure struct {
	URL    string
	Status int
	Reason string
	Err    error
}

func (e *NavigationFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "navigation to %s failed", e.URL)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *NavigationFailure) Unwrap() error { return e.Err }

// ExhaustedRetries reports a retryable failure that survived every attempt.
type ExhaustedRetries struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetries) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetries) Unwrap() error { return e.Last }

// SessionError means the browsing engine failed to start or died.
type SessionError struct {
	Source string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session for %s: %v", e.Source, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ExtractionMismatch is raised when an extractor returns nothing from a
// view that was expected to hold records. The run keeps going.
type ExtractionMismatch struct {
	Source string
	URL    string
	Page   int
}

func (e *ExtractionMismatch) Error() string {
	return fmt.Sprintf("%s: no records extracted from %s (page %d)", e.Source, e.URL, e.Page)
}

// RunError carries enough context to decide whether the whole run should be
// retried by the caller.
type RunError struct {
	Source string
	RunID  string
	State  string
	Page   int
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("harvest %s (run %s) failed while %s on page %d: %v",
		e.Source, e.RunID, e.State, e.Page, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientNetworkError.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// IsExhausted reports whether err is, or wraps, an ExhaustedRetries.
func IsExhausted(err error) bool {
	var x *ExhaustedRetries
	return errors.As(err, &x)
}

// IsNavigation reports whether err is, or wraps, a NavigationFailure.
func IsNavigation(err error) bool {
	var n *NavigationFailure
	return errors.As(err, &n)
}

// FromStatus maps an HTTP status seen after a navigation to the taxonomy.
// It returns nil for statuses that carry a usable document.
func FromStatus(url string, status int) error {
	switch {
	case status == 0 || (status >= 200 && status < 400):
		return nil
	case status == 429 || status == 503 || status == 502 || status == 504:
		return &TransientNetworkError{URL: url, Status: status}
	default:
		return &NavigationFailure{URL: url, Status: status}
	}
}
