// Package rpc carries engine invocations and their events between a runspace
// client and its host process as JSON-RPC 2.0 messages.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken on a channel.
const Version = "2.0"

// Methods understood by a runspace host.
const (
	// MethodInvoke starts an invocation; the result is an InvokeResult.
	MethodInvoke = "engine.invoke"
	// MethodReset clears the engine's per-session state.
	MethodReset = "engine.reset"
	// MethodEvent is the notification the host sends for every engine event.
	MethodEvent = "engine.event"
	// MethodShutdown asks the host to exit once pending work is flushed.
	MethodShutdown = "engine.shutdown"
)

// ChannelPath is the websocket endpoint a named-channel host serves.
const ChannelPath = "/api/v1/runspace/channel"

// Error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	// CodeBusy rejects an invocation while the engine runs another one.
	CodeBusy = -32001
)

// Message is any JSON-RPC 2.0 message: a request when Method and ID are set,
// a notification when only Method is set, a response otherwise.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error response payload.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvokeResult acknowledges an accepted invocation. Its events follow as
// engine.event notifications.
type InvokeResult struct {
	Invocation string `json:"invocation"`
}
