// Package qerr enumerates the error kinds the quorum store core can
// surface, modeled the way kerr enumerates Kafka protocol error codes:
// a small sentinel-backed type matched by callers via Kind rather than
// a proliferation of bespoke error types.
package qerr

import "github.com/pkg/errors"

// Kind classifies a quorum store error into one of the taxonomy
// buckets from the failure-semantics design (recoverable vs fatal vs
// silently dropped).
type Kind uint8

const (
	// KindUnknown is the zero value; no Error built by this package
	// carries it, and KindOf reports it for errors that carry no Kind.
	KindUnknown Kind = iota

	// KindInputViolation covers misordered fragments, oversize
	// batches, and a terminator observed before its header. Fatal
	// for a self-produced batch, dropped for peer ingress.
	KindInputViolation

	// KindQuotaExceeded is raised when admission to the DB or memory
	// cache cannot proceed even after evicting everything eligible.
	KindQuotaExceeded

	// KindTimeout covers proof aggregation deadlines and exhausted
	// peer-fetch retry budgets.
	KindTimeout

	// KindVerificationFailure covers hash mismatches, signatures that
	// fail to verify, and signers outside the epoch committee. Always
	// dropped silently at the point of detection.
	KindVerificationFailure

	// KindEpochMismatch covers messages whose epoch does not match
	// the local epoch.
	KindEpochMismatch

	// KindTransport covers send failures at the transport boundary;
	// treated as a dropped message at this layer.
	KindTransport

	// KindFatal covers internal invariant violations — a downstream
	// actor is unreachable — which terminate the actor family rather
	// than return to a caller.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInputViolation:
		return "input_violation"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTimeout:
		return "timeout"
	case KindVerificationFailure:
		return "verification_failure"
	case KindEpochMismatch:
		return "epoch_mismatch"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a quorum store error tagged with a Kind, optionally
// wrapping a cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New builds a Kind-tagged error with no cause.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Wrap attaches kind and message context to cause, preserving it as
// the error chain's root via errors.Wrap.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{kind: kind, msg: msg, err: errors.Wrap(cause, msg)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.kind == kind
}

// KindOf returns the Kind carried by err, or KindUnknown if err does
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		err = errors.Unwrap(err)
	}
	if e == nil {
		return KindUnknown
	}
	return e.kind
}
