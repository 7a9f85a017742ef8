package backend

import (
	"database/sql"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess     RetCode = iota // 0: Operation executed successfully.
	RetCConnection                 // 1: Medium unreachable, driver missing or schema creation failed.
	RetCClosed                     // 2: Operation on a closed backend.
	RetCPersistence                // 3: A single read or write against the medium failed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCConnection:
		return "ConnectionError"
	case RetCClosed:
		return "ClosedError"
	case RetCPersistence:
		return "PersistenceError"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code, a message and an optional cause.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
	Err  error   // The underlying cause (may be nil)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrClosed) works
// for every closed error regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// NewError creates a new Error with the given code, message and cause.
func NewError(code RetCode, msg string, cause error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  cause,
	}
}

var (
	// ErrClosed matches every error with RetCClosed.
	ErrClosed = &Error{Code: RetCClosed, Msg: "backend is closed"}
	// ErrConnection matches every error with RetCConnection.
	ErrConnection = &Error{Code: RetCConnection, Msg: "backend connection failed"}
	// ErrPersistence matches every error with RetCPersistence.
	ErrPersistence = &Error{Code: RetCPersistence, Msg: "backend operation failed"}
)

// Closed returns a closed error for the named backend.
func Closed(name string) *Error {
	return NewError(RetCClosed, name+" backend is closed", nil)
}

// IsClosed reports whether err means the backend (or its connection) is already closed.
// Driver level "connection done" errors count as closed as well.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}

// IsConnection reports whether err is a connection error.
func IsConnection(err error) bool {
	return err != nil && errors.Is(err, ErrConnection)
}
