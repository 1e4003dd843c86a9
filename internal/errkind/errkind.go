// Package errkind classifies pipeline errors into the kinds the dispatcher
// and workers branch on, per the error handling design: transient failures
// are retried, bad input is rejected outright, and so on. A Kind is attached
// to an error with Wrap and recovered with Of.
package errkind

import "errors"

// Kind is the category of failure a worker or dispatcher observed.
type Kind int

const (
	// Unknown is the zero value: treat as transient, the safe default.
	Unknown Kind = iota
	// Transient covers network blips, DB deadlocks, gateway 5xx, timeouts.
	// The message should be nacked so the queue redelivers it.
	Transient
	// BadInput covers malformed data items or invalid content types,
	// rejected at ingest with no retry.
	BadInput
	// InsufficientFunds means the funding wallet balance is below the
	// bundle's reward at post time. Retryable; the pipeline stalls on this
	// bundle until funded.
	InsufficientFunds
	// MissingArtifact means the object store lost a raw item. The item is
	// excluded from its bundle and marked failed; the rest of the plan
	// continues.
	MissingArtifact
	// AlreadyAdvanced means a promotion observed its source row already
	// gone - the transition happened on a previous, redelivered attempt.
	// Treated as success.
	AlreadyAdvanced
	// Irrecoverable covers states that should never happen (a plan
	// referencing ids absent from every data item table). Logged, acked,
	// surfaced as a metric; never retried.
	Irrecoverable
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case BadInput:
		return "bad_input"
	case InsufficientFunds:
		return "insufficient_funds"
	case MissingArtifact:
		return "missing_artifact"
	case AlreadyAdvanced:
		return "already_advanced"
	case Irrecoverable:
		return "irrecoverable"
	default:
		return "unknown"
	}
}

// kindError carries a Kind alongside a wrapped error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap attaches kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Of returns the Kind attached to err, or Unknown if none is attached.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Retryable reports whether a worker should let the queue redeliver the
// message rather than routing it to the DLQ immediately.
func Retryable(err error) bool {
	switch Of(err) {
	case Transient, InsufficientFunds:
		return true
	case AlreadyAdvanced, BadInput, MissingArtifact, Irrecoverable:
		return false
	default:
		return true
	}
}
