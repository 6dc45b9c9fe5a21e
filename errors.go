package runspace

import (
	"errors"
	"fmt"

	"github.com/telnet2/go-practice/go-runspace/transport"
)

var (
	// ErrSessionBusy is returned when a session already has an invocation
	// in flight.
	ErrSessionBusy = errors.New("runspace: session busy")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("runspace: session closed")
	// ErrNotSealed is returned when an open result set is used as input.
	ErrNotSealed = errors.New("runspace: result set not sealed")
	// ErrInvalidCommand is returned for commands the engine cannot bind.
	ErrInvalidCommand = errors.New("runspace: invalid command")
)

// TransportError reports that a channel to the engine could not be opened
// or was lost.
type TransportError struct {
	Kind transport.Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvocationError reports a terminating fault. The diagnostics were fully
// drained before it was raised.
type InvocationError struct {
	Invocation string
	Fault      string
	// Errors are the Error diagnostics captured during the invocation.
	Errors []Diagnostic
	// Partial holds the records emitted before the fault.
	Partial *ResultSet
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation %s failed: %s", e.Invocation, e.Fault)
}

// FilterError reports that the engine raised errors while filtering.
type FilterError struct {
	Expression string
	// First is the first Error diagnostic of the filter invocation.
	First  Diagnostic
	Errors []Diagnostic
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %q failed: %s", e.Expression, e.First.Message)
}

// ConfigurationError reports an invalid or unsupported setting.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
