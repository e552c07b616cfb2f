package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by every operation invoked before a
	// successful Connect or after Disconnect.
	ErrNotConnected = errors.New("mqlens: not connected")

	// ErrUnsupported is returned when a capability is not implemented by
	// the backend behind a provider.
	ErrUnsupported = errors.New("mqlens: operation not supported by this provider")

	// ErrMessageNotFound is returned when a delete target is absent from
	// the cache or could not be located by a bounded scan.
	ErrMessageNotFound = errors.New("mqlens: message not found")

	// ErrBrowseTimeout signals that a bounded browse wait elapsed. An empty
	// queue is not an error; this surfaces only through errors.Is checks on
	// wrapped backend failures.
	ErrBrowseTimeout = errors.New("mqlens: browse wait elapsed")

	// ErrRetainedByLog is returned by delete on log-backed providers: the
	// entry was evicted from the local cache but the durable record remains
	// retained by the log.
	ErrRetainedByLog = errors.New("mqlens: message retained by log; removed from local cache only")
)

// ConnectionError wraps a connect-time failure. By the time it surfaces,
// every partially created sub-resource has been torn down.
type ConnectionError struct {
	Provider  string
	Endpoint  string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mqlens: %s connect to %s failed: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// BackendError is an opaque passthrough from a native client. Adapters never
// swallow these except the explicit "no message available" loop terminator.
type BackendError struct {
	Provider string
	Op       string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("mqlens: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// WrapBackend wraps err as a BackendError unless it is nil or already part
// of the taxonomy.
func WrapBackend(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrRetainedByLog) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Provider: provider, Op: op, Err: err}
}
