package converge

import (
	"errors"
	"fmt"
	"time"
)

// errors.go provides the error taxonomy for the converge package
//
// error type checking:
//   sentinel errors can be checked with errors.Is(err, ErrType)
//   structured errors can be unpacked with errors.As

var (
	ErrInvalidClient   = errors.New("client is not registered")
	ErrUnknownResource = errors.New("resource not found")
	ErrChangeNotFound  = errors.New("no pending change with that id")
	ErrClientRemoved   = errors.New("client was removed")
	ErrClosed          = errors.New("service is closed")
)

// a malformed change. rejected synchronously and never enters the change log.
type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("Invalid change: %s", self.Message)
}

func newValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(format, a...),
	}
}

// the per-resource commit lock could not be acquired within the bound.
// transient. the caller retries with backoff, the change is never dropped.
type LockTimeoutError struct {
	ResourceId string
	Timeout    time.Duration
}

func (self *LockTimeoutError) Error() string {
	return fmt.Sprintf("Lock for %s not acquired within %s.", self.ResourceId, self.Timeout)
}

// an automatic merge found the same key set to diverging scalar values on
// both sides. downgraded to user-choice by the resolver.
type MergeConflictError struct {
	Paths []string
}

func (self *MergeConflictError) Error() string {
	return fmt.Sprintf("Merge diverges at %v.", self.Paths)
}

// the cluster publish for an already-committed change failed after bounded
// retries. the local commit is the source of truth and is never rolled back.
type BackplanePublishError struct {
	Channel  string
	Attempts int
	Err      error
}

func (self *BackplanePublishError) Error() string {
	return fmt.Sprintf("Backplane publish on %s failed after %d attempts: %s", self.Channel, self.Attempts, self.Err)
}

func (self *BackplanePublishError) Unwrap() error {
	return self.Err
}
