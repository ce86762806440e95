// Package ferrors defines the closed error taxonomy used across the
// federator, and a classifier that maps gRPC statuses and wrapped
// causes onto it.
package ferrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a closed taxonomy of error causes. It drives the resilience
// envelope's retry predicate and the client workers' stop-or-retry
// choice; the scheduler does not consult it.
type Kind int

const (
	// Unknown is the zero value; never intentionally produced.
	Unknown Kind = iota
	// Configuration errors are fatal at startup.
	Configuration
	// Transient errors are retried by the resilience envelope.
	Transient
	// Authentication errors are retryable like Transient ones; they do
	// not themselves trigger a token refresh, and the retry count is the
	// policy's, not one.
	Authentication
	// Authorisation errors are not retried.
	Authorisation
	// Protocol errors (other than OUT_OF_RANGE) terminate the job.
	Protocol
	// Integrity errors abort a file assembly.
	Integrity
	// Cancelled is a clean, non-error termination.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Transient:
		return "transient"
	case Authentication:
		return "authentication"
	case Authorisation:
		return "authorisation"
	case Protocol:
		return "protocol"
	case Integrity:
		return "integrity"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a classified Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap annotates err with kind, or returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// ClassifyOf returns the Kind of err, consulting an explicit *Error first
// and falling back to gRPC status code inspection.
func ClassifyOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classifyStatus(status.Code(err))
}

func classifyStatus(code codes.Code) Kind {
	switch code {
	case codes.OK:
		return Unknown
	case codes.Unauthenticated:
		return Authentication
	case codes.PermissionDenied:
		return Authorisation
	case codes.OutOfRange, codes.Canceled, codes.DeadlineExceeded:
		return Cancelled
	case codes.InvalidArgument:
		return Protocol
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return Transient
	case codes.Internal:
		return Transient
	default:
		return Unknown
	}
}

// Retryable reports whether the resilience envelope should retry an
// operation that failed with err.
func Retryable(err error) bool {
	switch ClassifyOf(err) {
	case Transient, Authentication:
		return true
	default:
		return false
	}
}

// EndOfStream reports whether err, returned from a StreamTopic receive,
// signals a clean end of iteration rather than a retryable failure.
func EndOfStream(err error) bool {
	switch status.Code(err) {
	case codes.OutOfRange, codes.Canceled, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// Fatal reports whether a client worker should stop retrying err and
// return it. The scheduler only logs such an error; the job stays
// registered and runs again at its next scheduled time.
func Fatal(err error) bool {
	switch ClassifyOf(err) {
	case Protocol, Authorisation, Configuration, Integrity:
		return true
	default:
		return false
	}
}
