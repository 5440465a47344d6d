package session

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// Classification sentinels returned (wrapped) by drivers.
var (
	ErrTransient    = errors.New("session: transient fetch failure")
	ErrNotFound     = errors.New("session: page not found")
	ErrAuthExpired  = errors.New("session: authentication expired")
	ErrAuthRejected = errors.New("session: login rejected")
	ErrClosed       = errors.New("session: handle closed")
)

// Transient marks err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// FetchFailedError is returned once the retry budget for one page is spent.
// It is a per-item failure; the batch continues.
type FetchFailedError struct {
	Code     string
	Kind     store.Kind
	Attempts int
	Err      error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("session: fetch %s %s failed after %d attempts: %v", e.Kind, e.Code, e.Attempts, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// AuthError means the session could not be (re)authenticated. It aborts the
// whole batch.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
