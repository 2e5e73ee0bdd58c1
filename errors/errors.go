// Package errors defines the coarse error categories shared across
// marathon-acme. Errors that need extra structure (HTTP status codes, Vault
// error lists) are defined next to the component that raises them.
package errors

import "fmt"

// ErrorType provides a coarse category for Errors.
type ErrorType int

const (
	InternalServer ErrorType = iota
	// Config indicates invalid inputs at construction time, or a request
	// that cannot be resolved to a URL.
	Config
	// Protocol indicates a malformed byte stream, e.g. an over-long SSE
	// line.
	Protocol
	// Network indicates a lower-level transport failure. The event stream
	// supervisor retries these; one-shot requests surface them.
	Network
	Malformed
	NotFound
)

// Error represents an internal marathon-acme error.
type Error struct {
	Type   ErrorType
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// New is a convenience function for creating a new Error.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &Error{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is tests the internal type of an Error.
func Is(err error, errType ErrorType) bool {
	mErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return mErr.Type == errType
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func ConfigError(msg string, args ...interface{}) error {
	return New(Config, msg, args...)
}

func ProtocolError(msg string, args ...interface{}) error {
	return New(Protocol, msg, args...)
}

func NetworkError(msg string, args ...interface{}) error {
	return New(Network, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}
