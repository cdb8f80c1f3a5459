package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrStaleElement marks a click target that detached between lookup and click.
	ErrStaleElement = errors.New("stale element")
	// ErrUnresponsive marks a page that did not answer a trivial evaluation.
	ErrUnresponsive = errors.New("page unresponsive")
	// ErrUnknownPage is returned for handles the driver does not track.
	ErrUnknownPage = errors.New("unknown page handle")
)

// ProbeError is a transient DOM failure: retry next tick, no state change.
type ProbeError struct {
	Op       string
	Selector string
	Err      error
}

func (e *ProbeError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("probe %s %q: %v", e.Op, e.Selector, e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// NavigationError means a page failed to load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string { return fmt.Sprintf("navigate %s: %v", e.URL, e.Err) }

func (e *NavigationError) Unwrap() error { return e.Err }

// FatalError means the browser process or context is unusable. Only a full
// restart recovers from it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("browser %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// ErrorClass buckets driver errors by how the caller should react.
type ErrorClass int

const (
	// ErrorClassUnknown is reported for a nil error.
	ErrorClassUnknown ErrorClass = iota
	// ErrorClassTransient errors are retried on the next tick.
	ErrorClassTransient
	// ErrorClassNavigation errors count against the open-attempt budget.
	ErrorClassNavigation
	// ErrorClassFatal errors escalate to the restart supervisor.
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassNavigation:
		return "navigation"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// fatalPatterns are fragments of errors from the browser's devtools
// connection itself. They only show up once the browser process is gone.
// Errors scoped to one tab ("target closed", "session closed") are left
// transient: the session retries and is closed as unresponsive, without a
// restart.
var fatalPatterns = []string{
	"websocket: close",
	"use of closed network connection",
	"connection refused",
	"connection reset by peer",
	"broken pipe",
	"browser has disconnected",
}

// ClassifyError maps any error produced while driving the browser to an
// ErrorClass. Typed errors win; untyped ones are matched on their message and
// default to transient so a single odd failure never tears everything down.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ErrorClassFatal
	}
	var nav *NavigationError
	if errors.As(err, &nav) {
		return ErrorClassNavigation
	}
	var probe *ProbeError
	if errors.As(err, &probe) {
		return ErrorClassTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	// A bare EOF is the devtools websocket ending.
	if errors.Is(err, io.EOF) {
		return ErrorClassFatal
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassTransient
}

// IsFatal reports whether err must escalate to a restart.
func IsFatal(err error) bool { return ClassifyError(err) == ErrorClassFatal }
