package tmplscout

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist in any
// reachable tier.
var ErrNotFound = errors.New("not found")

// ErrRemoteUnavailable indicates the remote store could not be reached.
// HybridStore absorbs it by flipping to offline mode; it never propagates
// out of Search.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// ErrClosed is returned when an operation is attempted after Close.
var ErrClosed = errors.New("closed")

// LocalStoreError wraps a failure of the embedded local store. Unlike cache
// errors these are surfaced to the caller: the local store is the source of
// truth when offline, so there is no further degradation path.
type LocalStoreError struct {
	Op  string
	Err error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store: %s: %v", e.Op, e.Err)
}

func (e *LocalStoreError) Unwrap() error {
	return e.Err
}

// RequestFailedError is returned by the request coordinator once retries are
// exhausted. It carries the attempt count and the last underlying error.
type RequestFailedError struct {
	Attempts int
	Err      error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}
