// Package xerrors records where errors were created or wrapped so the logger
// can report a location for every link of a chain.
//
// New, Newf, WithStack and EnsureTrace capture a full call stack. Wrap and
// Wrapf capture only the frame that wrapped, which is cheap enough for hot paths
// such as rate limit store calls.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// Stacked is implemented by errors carrying a captured call stack.
type Stacked interface {
	StackPCs() []uintptr
}

// Located is implemented by errors recording the single frame that wrapped them.
type Located interface {
	PC() uintptr
}

const maxStackDepth = 64

type stacked struct {
	cause error
	pcs   []uintptr
}

func (e *stacked) Error() string       { return e.cause.Error() }
func (e *stacked) Unwrap() error       { return e.cause }
func (e *stacked) StackPCs() []uintptr { return e.pcs }

type located struct {
	msg   string
	cause error
	pc    uintptr
}

func (e *located) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *located) Unwrap() error { return e.cause }
func (e *located) PC() uintptr   { return e.pc }

// callers returns the stack starting at the caller of the exported function
// that called it (skips runtime.Callers, callers, and that function).
func callers() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	return pcs[:runtime.Callers(3, pcs)]
}

// caller returns the pc of the caller of the exported function that called it.
func caller() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{cause: errors.New(msg), pcs: callers()}
}

// Newf is New with fmt.Errorf formatting, %w included.
func Newf(format string, args ...any) error {
	return &stacked{cause: fmt.Errorf(format, args...), pcs: callers()}
}

// WithStack attaches the caller's stack to err. Returns nil for a nil err.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{cause: err, pcs: callers()}
}

// EnsureTrace is WithStack unless something in err's chain already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s Stacked
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return &stacked{cause: err, pcs: callers()}
}

// Wrap prefixes err with msg and records the calling frame. Returns nil for a nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &located{msg: msg, cause: err, pc: caller()}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &located{msg: fmt.Sprintf(format, args...), cause: err, pc: caller()}
}
