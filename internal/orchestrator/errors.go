package orchestrator

import (
	"errors"
	"fmt"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// Kind classifies a resolution failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindAlreadyResolved
	KindStorage
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "awakeable_not_found"
	case KindAlreadyResolved:
		return "already_resolved"
	case KindStorage:
		return "storage_failure"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by ResolutionService.Resolve.
// Message is safe to show to callers; Err carries the underlying cause for
// logs.
type Error struct {
	Kind        Kind
	AwakeableID string
	// Status is the awakeable's current status for KindAlreadyResolved.
	Status  tasks.AwakeableStatus
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that did not come from the
// resolution service are reported as KindInternal; nil yields zero.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func validationError(id, message string) *Error {
	return &Error{Kind: KindValidation, AwakeableID: id, Message: message}
}

func notFoundError(id string) *Error {
	return &Error{
		Kind:        KindNotFound,
		AwakeableID: id,
		Message:     "Awakeable not found: " + id,
	}
}

func alreadyResolvedError(id string, status tasks.AwakeableStatus) *Error {
	return &Error{
		Kind:        KindAlreadyResolved,
		AwakeableID: id,
		Status:      status,
		Message:     fmt.Sprintf("Awakeable not pending (status: %s): %s", status, id),
	}
}

func storageError(id string, err error) *Error {
	return &Error{
		Kind:        KindStorage,
		AwakeableID: id,
		Message:     "storage failure, resolution not applied",
		Err:         err,
	}
}

func internalError(id string, err error) *Error {
	return &Error{
		Kind:        KindInternal,
		AwakeableID: id,
		Message:     "unexpected failure",
		Err:         err,
	}
}
