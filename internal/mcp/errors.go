package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for connection state.
var (
	// ErrNotConnected is returned for operations on a dead connection.
	ErrNotConnected = errors.New("worker not connected")

	// ErrConnectionClosed is returned when a call is interrupted by
	// connection shutdown.
	ErrConnectionClosed = errors.New("connection closed")
)

// TimeoutError reports a send+await cycle that exceeded the per-call budget.
// It is a per-call failure: the connection stays usable.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s on worker %s timed out after %v", e.Method, e.Server, e.Timeout)
}

// InitError reports a failed protocol handshake. The connection is unusable;
// the health loop will attempt reconnection.
type InitError struct {
	Server string
	Cause  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize handshake with worker %s failed: %v", e.Server, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// ToolNotFoundError reports a tool name no live connection advertises.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not advertised by any connected worker", e.Name)
}

// ToolCallError reports a tools/call failure for a specific tool.
type ToolCallError struct {
	Name  string
	Cause error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool %q call failed: %v", e.Name, e.Cause)
}

func (e *ToolCallError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is or wraps a per-call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsToolNotFound reports whether err is or wraps a ToolNotFoundError.
func IsToolNotFound(err error) bool {
	var nf *ToolNotFoundError
	return errors.As(err, &nf)
}
