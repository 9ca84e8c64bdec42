package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Driver is the common interface all backup storage drivers must implement.
// A locationRef is "<container>/<artifact>" as returned by Put.
type Driver interface {
	Put(ctx context.Context, container, artifact string, data io.Reader) error
	Get(ctx context.Context, container, artifact string) (io.ReadCloser, error)
	Delete(ctx context.Context, container, artifact string) error
	List(ctx context.Context, container, prefix string) ([]string, error)
	Exists(ctx context.Context, container, artifact string) (bool, error)
	Name() string
}

// TransientError marks a failure worth retrying (timeouts, 5xx-equivalents).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (auth, not-found).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent storage error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is fatal to the caller's current operation.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrNotFound is returned by Get/Delete when the artifact does not exist.
// Always wrapped in a PermanentError.
var ErrNotFound = errors.New("artifact not found")

// ErrUnauthorized marks credential and signature failures. Always wrapped
// in a PermanentError.
var ErrUnauthorized = errors.New("storage access unauthorized")
