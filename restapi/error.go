/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package restapi contains helpers for building JSON REST API responses.
package restapi

// Error represents an error that is sent to clients in a response body.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error codes.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeInternal        = "internalError"
	ErrCodeTooManyRequests = "tooManyRequests"
)

// Error messages.
// We are using "var" here because some services may want to use different error messages.
var (
	ErrMessageInternal        = "Internal error."
	ErrMessageTooManyRequests = "Too many requests."
)

// NewError creates a new Error with the specified code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewInternalError creates a new internal error.
func NewInternalError() *Error {
	return NewError(ErrCodeInternal, ErrMessageInternal)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
