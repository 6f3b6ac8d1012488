package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a synchronization failure.
type Kind string

const (
	// KindNetwork means the request could not be sent or the response could not be read.
	KindNetwork Kind = "network"
	// KindRejected means the remote answered with a non-2xx status.
	KindRejected Kind = "remote_rejection"
	// KindStorage means the local store rejected a statement.
	KindStorage Kind = "local_storage"
	// KindMalformed means a 2xx response body matched none of the accepted shapes.
	KindMalformed Kind = "malformed_response"
	// KindInvariant means a row was refused because a structural ordering invariant does not hold yet.
	KindInvariant Kind = "invariant_violation"
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = "unknown"
)

// Error carries an operation.reason code, a kind and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// New builds a classified error for the given operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// Storage wraps a local store failure.
func Storage(operation, reason string, cause error) error {
	return New(KindStorage, operation, reason, cause)
}

// Invariant reports a refused row.
func Invariant(operation, reason string, cause error) error {
	return New(KindInvariant, operation, reason, cause)
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindUnknown
}

// Rejection is the cause attached to KindRejected errors.
type Rejection struct {
	Status int
	Body   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", r.Status, r.Body)
}
