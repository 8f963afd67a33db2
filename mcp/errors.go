// This file provides typed errors for the MCP client implementation.

package mcp

import (
	"errors"
	"fmt"
)

// Base error types
var (
	// ErrClientClosed is wrapped by the ProtocolError returned to calls that
	// were pending, or issued, after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrTimeout is wrapped by the ProtocolError returned when no response
	// arrives within the configured request timeout.
	ErrTimeout = errors.New("request timeout")

	// ErrStreamClosed is wrapped when the server ends the SSE stream.
	ErrStreamClosed = errors.New("SSE stream closed by server")

	// ErrIDMismatch is wrapped when a stdio response carries an id other than
	// the one that was sent.
	ErrIDMismatch = errors.New("response id mismatch")
)

// timeoutMessage is the verbatim message of a timed-out request.
const timeoutMessage = "Timeout waiting for response"

// TransportError represents a failure to establish a connection: process
// spawn, DNS, TCP/TLS or the SSE stream request itself. The client that
// returned it is unusable and must be reconstructed.
type TransportError struct {
	Transport string
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error during %s: %v", e.Transport, e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(transport, operation string, err error) error {
	return &TransportError{
		Transport: transport,
		Operation: operation,
		Err:       err,
	}
}

// ProtocolError represents a failure after the connection was established:
// a JSON-RPC error object, a timeout, or a mid-session transport failure.
// Message is the server's message (or the timeout message) verbatim.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Code != 0 && e.Data != nil:
		return fmt.Sprintf("protocol error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	case e.Code != 0:
		return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
	case e.Err != nil && e.Err.Error() != e.Message:
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	default:
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CodeMethodNotFound is sent back for server requests the client does not
// implement.
const CodeMethodNotFound = -32601

// NewProtocolError creates a new protocol error
func NewProtocolError(code int, message string, data any) error {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// rpcError converts a JSON-RPC error object into a ProtocolError.
func rpcError(e *Error) error {
	return NewProtocolError(e.Code, e.Message, e.Data)
}

// wrapProtocol reports a mid-session failure as a ProtocolError.
func wrapProtocol(message string, err error) error {
	return &ProtocolError{Message: message, Err: err}
}

func timeoutError() error {
	return &ProtocolError{Message: timeoutMessage, Err: ErrTimeout}
}

func closedError() error {
	return &ProtocolError{Message: ErrClientClosed.Error(), Err: ErrClientClosed}
}

// IsTransportError checks if an error is a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError checks if an error is a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
