// Package kverrors defines the engine's surface-independent error
// taxonomy and a helper for attaching a kind to a wrapped,
// stack-carrying cause.
package kverrors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kinds. Callers match on these with errors.Is; the underlying OS or
// decode error, plus a stack trace, is still reachable via errors.As or
// the error's Unwrap() []error method (errors.Unwrap returns nil for it).
var (
	// ErrIO is returned when an underlying filesystem call failed.
	ErrIO = stderrors.New("kvforge: io failure")
	// ErrCorruptRecord is returned when a single record's framing is invalid.
	ErrCorruptRecord = stderrors.New("kvforge: corrupt record")
	// ErrCorruptStore is returned when a whole file is unreadable; fatal
	// for the query, not the process.
	ErrCorruptStore = stderrors.New("kvforge: corrupt store")
	// ErrInvalidArgument is returned for an empty key or an empty engine
	// directory. Key and value lengths and config keys are not validated.
	ErrInvalidArgument = stderrors.New("kvforge: invalid argument")
	// ErrNotRunning is reserved for an embedding API call that requires
	// the background workers to be up before it can do anything useful.
	// Put, Get, Delete, CompactOnce, and GracefulShutdown are all safe to
	// call whether or not Start has run, so nothing currently returns
	// this; it stays defined for the first operation that needs it.
	ErrNotRunning = stderrors.New("kvforge: not running")
)

// kindError lets errors.Is match both the taxonomy kind and the original
// cause, while Error() surfaces the wrapped cause's message (the stack
// is printed by formatting the cause with %+v).
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Wrap attaches kind to err, annotating err with msg and a stack trace
// via github.com/pkg/errors. Pass a nil err to construct a bare kind
// error with just msg as context.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return &kindError{kind: kind, err: errors.New(msg)}
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// IO is shorthand for Wrap(ErrIO, msg, err).
func IO(msg string, err error) error { return Wrap(ErrIO, msg, err) }

// CorruptRecord is shorthand for Wrap(ErrCorruptRecord, msg, err).
func CorruptRecord(msg string, err error) error { return Wrap(ErrCorruptRecord, msg, err) }

// CorruptStore is shorthand for Wrap(ErrCorruptStore, msg, err).
func CorruptStore(msg string, err error) error { return Wrap(ErrCorruptStore, msg, err) }

// InvalidArgument is shorthand for Wrap(ErrInvalidArgument, msg, nil).
func InvalidArgument(msg string) error { return Wrap(ErrInvalidArgument, msg, nil) }

// NotRunning is shorthand for Wrap(ErrNotRunning, msg, nil).
func NotRunning(msg string) error { return Wrap(ErrNotRunning, msg, nil) }
