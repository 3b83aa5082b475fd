// Package faults defines the typed error vocabulary shared by every layer of
// the platform. Callers switch on Kind instead of parsing messages.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error by disposition: whether it may be retried, whether
// it should count against a circuit breaker, and how it is reported upstream.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: inputs violate a contract. Fails fast, never touches
	// the breaker.
	KindValidation
	// KindUnavailable: a circuit breaker is open. Returned without touching
	// the wire.
	KindUnavailable
	// KindTransient: network error, 5xx, or timeout. Retryable, counts as a
	// breaker failure.
	KindTransient
	// KindPermanent: 4xx or another definitive rejection. Not retried.
	KindPermanent
	// KindDataIntegrity: sequence gap, exhausted dead letters, unparseable
	// payload. Non-recoverable for that item.
	KindDataIntegrity
	// KindCancelled: deadline exceeded or supervisor stop.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDataIntegrity:
		return "data_integrity"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fault is the concrete error type carried across layer boundaries. Code is a
// stable machine-readable identifier ("timeout", "http_503", "invalid_plan");
// Message is for humans.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", f.Kind, f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s (%s): %s", f.Kind, f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with a formatted message.
func New(kind Kind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Fault around a cause. The cause stays reachable through
// errors.Is / errors.As.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Per-kind constructors. These keep call sites short and the kind explicit.

func Validation(code, format string, args ...any) *Fault {
	return New(KindValidation, code, format, args...)
}

func Unavailable(code, format string, args ...any) *Fault {
	return New(KindUnavailable, code, format, args...)
}

func Transient(code string, err error, format string, args ...any) *Fault {
	return Wrap(KindTransient, code, err, format, args...)
}

func Permanent(code, format string, args ...any) *Fault {
	return New(KindPermanent, code, format, args...)
}

func DataIntegrity(code string, err error, format string, args ...any) *Fault {
	return Wrap(KindDataIntegrity, code, err, format, args...)
}

func Cancelled(code string, err error, format string, args ...any) *Fault {
	return Wrap(KindCancelled, code, err, format, args...)
}

// KindOf reports the Kind of the outermost Fault in err's chain, or
// KindUnknown when the chain carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// CodeOf reports the Code of the outermost Fault, or "" when there is none.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Recoverable reports whether a later retry of the whole operation could
// plausibly succeed: open breakers, transient transport failures and
// deadline overruns are recoverable, contract violations are not.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTransient, KindCancelled:
		return true
	default:
		return false
	}
}

// Suggestion renders a short operator-facing hint for a failure, keyed on the
// error kind. Used when assembling best-effort workflow results.
func Suggestion(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return "request rejected by validation; correct the input before retrying"
	case KindUnavailable:
		return "service temporarily unavailable; retry after the breaker cooldown"
	case KindTransient:
		return "transient failure; retrying the request may succeed"
	case KindPermanent:
		return "the downstream rejected the request; review the request contents"
	case KindDataIntegrity:
		return "item discarded after repeated failures; inspect the dead letters"
	case KindCancelled:
		return "operation timed out; consider raising the step timeout"
	default:
		return "unexpected failure; check service logs for details"
	}
}
