// Package hub defines the error taxonomy from spec §7 as a small set of
// typed kinds layered on github.com/pkg/errors, the wrapping idiom used
// throughout the teacher packages (tunnel, server, common).
package hub

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error taxonomy buckets from spec §7. It is not a Go
// error type itself; it only classifies propagation policy (retry vs.
// fatal vs. absorbed).
type Kind string

const (
	Config                Kind = "config"
	PortInUse             Kind = "port_in_use"
	Transport             Kind = "transport"
	Auth                  Kind = "auth"
	RemoteForwardRejected Kind = "remote_forward_rejected"
	Channel               Kind = "channel"
	PerConnection         Kind = "per_connection"
	IO                    Kind = "io"
)

// Error wraps a causing error with its taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Cause() error { return e.Err }

// New builds a Kind-classified Error wrapping cause (which may be nil).
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Wrap classifies err under kind, preserving err as the pkg/errors cause
// chain so errors.Cause(...) and errors.Is(...) keep working on it.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.Wrap(err, msg)}
}

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether, per spec §7's propagation policy, a tunnel
// should stop retrying when it encounters an error of this kind.
func IsFatal(kind Kind) bool {
	switch kind {
	case Auth, RemoteForwardRejected, PortInUse, Config, IO:
		return true
	default:
		return false
	}
}
