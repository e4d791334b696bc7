package core

import (
	"errors"
	"fmt"
)

// Status is the three-way outcome of a non-blocking I/O callback.
type Status uint8

const (
	StatusData Status = iota
	StatusWouldBlock
	StatusError
)

// ErrorKind classifies a failed callback for the engine.
type ErrorKind uint8

const (
	KindGeneral ErrorKind = iota
	KindConnReset
	KindConnClosed
	KindFatal
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindConnReset:
		return "conn-reset"
	case KindConnClosed:
		return "conn-closed"
	case KindFatal:
		return "fatal"
	default:
		return "general"
	}
}

// Integer codes following the secure-transport engines' custom I/O callback
// convention: non-negative is a byte count, negative values are signals.
const (
	CodeGeneral    = -1
	CodeWouldBlock = -2
	CodeConnReset  = -3
	CodeConnClosed = -6
)

// Result is returned by the bridge's send and receive callbacks.
type Result struct {
	Status Status
	N      int
	Kind   ErrorKind
	Err    error
}

// Data reports n bytes transferred.
func Data(n int) Result { return Result{Status: StatusData, N: n} }

// WouldBlock reports that no progress is possible right now.
func WouldBlock() Result { return Result{Status: StatusWouldBlock} }

// Fail reports a hard failure of the given kind.
func Fail(kind ErrorKind, err error) Result {
	return Result{Status: StatusError, Kind: kind, Err: err}
}

// Ok reports whether bytes were transferred.
func (r Result) Ok() bool { return r.Status == StatusData }

// Blocked reports whether the caller should retry later.
func (r Result) Blocked() bool { return r.Status == StatusWouldBlock }

// Code lowers the result to the integer convention.
func (r Result) Code() int {
	switch r.Status {
	case StatusData:
		return r.N
	case StatusWouldBlock:
		return CodeWouldBlock
	}
	switch r.Kind {
	case KindConnReset:
		return CodeConnReset
	case KindConnClosed:
		return CodeConnClosed
	default:
		return CodeGeneral
	}
}

// AsError converts a non-data result to an error. It returns nil for data.
func (r Result) AsError() error {
	switch r.Status {
	case StatusData:
		return nil
	case StatusWouldBlock:
		return ErrWouldBlock
	}
	if r.Err != nil {
		return fmt.Errorf("%s: %w", r.Kind, r.Err)
	}
	return errors.New(r.Kind.String())
}

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r.Status {
	case StatusData:
		return fmt.Sprintf("data(%d)", r.N)
	case StatusWouldBlock:
		return "would-block"
	default:
		return fmt.Sprintf("error(%s)", r.Kind)
	}
}
