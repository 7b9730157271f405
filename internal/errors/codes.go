package errors

import (
	"errors"
	"fmt"
)

// Code represents internal error codes for library operations
type Code int

const (
	// CodeOK indicates success
	CodeOK Code = 0

	// Caller errors
	CodeInvalidArgument Code = 1000 // EINVAL: null buffer, negative offset, malformed path
	CodeNoDevice        Code = 1001 // ENODEV: cluster id not found in configuration
	CodeNotConnected    Code = 1002 // ENXIO: no healthy connection to a drive

	// I/O and internal errors
	CodeIO       Code = 2000 // EIO: quorum not reached, timeout, unrecoverable stripe
	CodeInternal Code = 2001 // bug indication: codec failure that should have succeeded
)

// Error represents a structured error with code and context
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with the given code and formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code, message and cause
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the error code from an error chain
// Returns CodeInternal for errors that do not carry a code
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsInvalidArgument reports whether the error carries CodeInvalidArgument
func IsInvalidArgument(err error) bool {
	return CodeOf(err) == CodeInvalidArgument
}

// IsNoDevice reports whether the error carries CodeNoDevice
func IsNoDevice(err error) bool {
	return CodeOf(err) == CodeNoDevice
}

// IsNotConnected reports whether the error carries CodeNotConnected
func IsNotConnected(err error) bool {
	return CodeOf(err) == CodeNotConnected
}

// IsIO reports whether the error carries CodeIO
func IsIO(err error) bool {
	return CodeOf(err) == CodeIO
}
