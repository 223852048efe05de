// Package errs provides the §7 error-kind taxonomy on top of
// github.com/pkg/errors, the teacher's stack-carrying wrap library, plus
// an Errs multi-error collector adapted from cmn/cos.Errs.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed enumeration — never extended by callers, dispatched by
// value equality, never by type assertion on an open interface hierarchy.
type Kind string

const (
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	UpstreamAuth        Kind = "UpstreamAuth"
	UpstreamMalformed   Kind = "UpstreamMalformed"
	FastFull            Kind = "FastFull"
	ReadError           Kind = "ReadError"
	WriteError          Kind = "WriteError"
	SymlinkUnsupported  Kind = "SymlinkUnsupported"
	Contended           Kind = "Contended"
	Cancelled           Kind = "Cancelled"
	TrackerConflict     Kind = "TrackerConflict"
	ConfigInvalid       Kind = "ConfigInvalid"
	LockHeld            Kind = "LockHeld"
	ProviderFailure     Kind = "ProviderFailure"
)

// Fatal reports whether a kind is fatal at startup per §7.
func (k Kind) Fatal() bool {
	switch k {
	case ConfigInvalid, LockHeld, SymlinkUnsupported:
		return true
	default:
		return false
	}
}

// Retryable reports whether a kind is recovered locally per §7.
func (k Kind) Retryable() bool {
	switch k {
	case UpstreamUnavailable, Contended, ProviderFailure:
		return true
	default:
		return false
	}
}

type kindError struct {
	kind  Kind
	cause error
	msg   string
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.cause }

// New wraps cause (may be nil) with a kind and a formatted message, adding
// a stack trace via pkg/errors so surfaced operation failures (§7 "per-
// operation failures") keep enough context for the log event's message.
func New(kind Kind, cause error, format string, args ...any) error {
	e := &kindError{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)}
	return errors.WithStack(e)
}

// KindOf extracts the Kind from err, walking Unwrap chains, including
// through pkg/errors' stack wrapper.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			return "", false
		}
		err = cause
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Errs is a bounded multi-error collector, adapted from cmn/cos.Errs:
// dedups by message, caps retained errors, tracks a total count separate
// from the retained slice so callers can report "N errors, showing first
// M" without unbounded memory growth during a noisy cycle.
type Errs struct {
	errs []error
	cnt  int
}

const maxErrs = 8

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.cnt++
	for _, existing := range e.errs {
		if existing.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Empty() bool { return e.cnt == 0 }
func (e *Errs) Count() int  { return e.cnt }

func (e *Errs) Error() string {
	if e.cnt == 0 {
		return ""
	}
	if e.cnt == len(e.errs) {
		return fmt.Sprintf("%d error(s): %v", e.cnt, e.errs)
	}
	return fmt.Sprintf("%d error(s), first %d: %v", e.cnt, len(e.errs), e.errs)
}

// AsError returns nil if empty, else the collector itself as an error.
func (e *Errs) AsError() error {
	if e.Empty() {
		return nil
	}
	return e
}
