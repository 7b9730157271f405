package drive

import (
	"errors"
	"fmt"
)

// StatusCode enumerates the result codes of the drive protocol
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusRemoteNotFound
	StatusRemoteVersionMismatch
	StatusRemoteConnectionError
	StatusClientIOError
	StatusClientInternalError
)

// String returns the protocol name of the status code
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusRemoteNotFound:
		return "REMOTE_NOT_FOUND"
	case StatusRemoteVersionMismatch:
		return "REMOTE_VERSION_MISMATCH"
	case StatusRemoteConnectionError:
		return "REMOTE_REMOTE_CONNECTION_ERROR"
	case StatusClientIOError:
		return "CLIENT_IO_ERROR"
	case StatusClientInternalError:
		return "CLIENT_INTERNAL_ERROR"
	}
	return fmt.Sprintf("STATUS(%d)", int(c))
}

// Status is the outcome of a single drive operation
type Status struct {
	Code    StatusCode
	Message string
}

// Ok reports whether the operation succeeded
func (s Status) Ok() bool {
	return s.Code == StatusOK
}

// Err converts the status into an error, nil for StatusOK
func (s Status) Err() error {
	if s.Code == StatusOK {
		return nil
	}
	return &StatusError{Code: s.Code, Message: s.Message}
}

// StatusError carries a non-OK drive status through an error chain
type StatusError struct {
	Code    StatusCode
	Message string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusOf extracts the drive status code from an error chain
// Returns StatusOK for nil and StatusClientInternalError for foreign errors
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var e *StatusError
	if errors.As(err, &e) {
		return e.Code
	}
	return StatusClientInternalError
}

// IsNotFound reports whether the error is a REMOTE_NOT_FOUND status
func IsNotFound(err error) bool {
	return StatusOf(err) == StatusRemoteNotFound
}

// IsVersionMismatch reports whether the error is a REMOTE_VERSION_MISMATCH status
func IsVersionMismatch(err error) bool {
	return StatusOf(err) == StatusRemoteVersionMismatch
}
