package relay

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrBanned             = errors.New("user is banned")
	ErrAlreadyStreaming   = errors.New("a response is already streaming")
	ErrBackendFailure     = errors.New("backend failure")
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrStoreFailure       = errors.New("store failure")
	ErrCancelled          = errors.New("stream cancelled")
	ErrUnknownModel       = errors.New("unknown model")
	ErrUnknownPersona     = errors.New("unknown persona")
	ErrCannotBanAdmin     = errors.New("admins cannot be banned")
	ErrEmptyMessage       = errors.New("empty message")
	ErrMessageNotModified = errors.New("message not modified")
	ErrBroadcastPreempted = errors.New("preempted by broadcast")
)

// RateLimitedError carries the wait until the next token is available.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (e *RateLimitedError) RetryAfterSeconds() int {
	if e == nil {
		return 0
	}
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// BackendError wraps whatever the backend (or the pipeline around it) failed with.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend failure: %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackendFailure }

// CancelledError reports why an active stream was cancelled.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
