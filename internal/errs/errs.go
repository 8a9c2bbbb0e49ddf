// Package errs defines the error taxonomy shared by the gateway adapter,
// the runners and the deployment orchestrator.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a failure by how callers must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSessionInvalid means the broker rejected the credentials. Never retried.
	KindSessionInvalid
	// KindTransient covers timeouts, connection resets and 5xx-like answers.
	KindTransient
	// KindValidation is bad configuration, insufficient margin or an invalid range.
	KindValidation
	// KindUnrecoverable is an unexpected failure inside a runner's tick processing.
	KindUnrecoverable
	// KindPermanent is a broker rejection that will not change on retry.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSessionInvalid:
		return "session_invalid"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindUnrecoverable:
		return "unrecoverable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func SessionInvalid(op string, err error) error {
	return &Error{Kind: KindSessionInvalid, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func Unrecoverable(op string, err error) error {
	return &Error{Kind: KindUnrecoverable, Op: op, Err: err}
}

// Validation builds a human readable validation failure.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Wrapped *Error values win; otherwise well known
// network and context failures are transient and anything else is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindPermanent
}

// Retryable reports whether a retry may succeed.
func Retryable(err error) bool { return KindOf(err) == KindTransient }

func IsSessionInvalid(err error) bool { return KindOf(err) == KindSessionInvalid }

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// Reason returns a short string suitable for error_message columns and UI.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
