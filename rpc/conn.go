package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned by calls that cannot complete because the
// connection went away.
var ErrConnClosed = errors.New("rpc: connection closed")

// Handler serves one method call. Returning an *Error sends it verbatim;
// any other error becomes an InternalError response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over a Framer.
//
// Inbound messages are dispatched in arrival order on the goroutine running
// Serve, so handlers must not block. All handlers must be registered before
// Serve starts.
type Conn struct {
	framer  Framer
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan *Message
	closed  bool

	notifyHandlers map[string]func(json.RawMessage)
	methodHandlers map[string]Handler

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// NewConn creates a connection over f. Call Serve to start reading.
func NewConn(f Framer) *Conn {
	return &Conn{
		framer:         f,
		pending:        make(map[int64]chan *Message),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		methodHandlers: make(map[string]Handler),
		done:           make(chan struct{}),
	}
}

// OnNotification registers a handler for notifications of method.
func (c *Conn) OnNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// OnMethod registers a handler for calls of method.
func (c *Conn) OnMethod(method string, h Handler) {
	c.methodHandlers[method] = h
}

// Call sends a request and waits for its response or for ctx to expire.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrConnClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&id, method, params); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return decodeResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.forget(id)
		select {
		case resp, ok := <-ch:
			return decodeResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

func decodeResponse(resp *Message, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("%s: %w", method, ErrConnClosed)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	return c.send(nil, method, params)
}

func (c *Conn) send(id *int64, method string, params any) error {
	msg := Message{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = raw
	}
	return c.write(&msg)
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteMessage(data)
}

// Serve reads and dispatches messages until the peer disconnects, the
// connection is closed, or ctx is done. A clean disconnect returns nil.
// Must be called exactly once.
func (c *Conn) Serve(ctx context.Context) error {
	defer close(c.done)
	defer c.drainPending()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.framer.Close()
		case <-stop:
		}
	}()

	for {
		data, err := c.framer.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			c.readErr = err
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.write(&Message{JSONRPC: Version, Error: NewError(ParseError, "parse error: %v", err)})
			continue
		}
		c.dispatch(ctx, &msg)
	}
}

// Done is closed when Serve returns.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that stopped Serve, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close closes the underlying framer, which stops Serve.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.framer.Close()
	})
	return err
}

func (c *Conn) dispatch(ctx context.Context, msg *Message) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.handleResponse(msg)
	case msg.ID != nil:
		c.handleCall(ctx, msg)
	case msg.Method != "":
		if h, ok := c.notifyHandlers[msg.Method]; ok {
			h(msg.Params)
		}
	}
}

func (c *Conn) handleResponse(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Conn) handleCall(ctx context.Context, msg *Message) {
	resp := &Message{JSONRPC: Version, ID: msg.ID}
	if msg.JSONRPC != Version {
		resp.Error = NewError(InvalidRequest, "invalid JSON-RPC version %q", msg.JSONRPC)
		c.write(resp)
		return
	}
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		resp.Error = NewError(MethodNotFound, "method not found: %s", msg.Method)
		c.write(resp)
		return
	}

	result, err := h(ctx, msg.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(InternalError, "%v", err)
		}
		resp.Error = rpcErr
		c.write(resp)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewError(InternalError, "marshal result: %v", err)
	} else {
		resp.Result = raw
	}
	c.write(resp)
}

// drainPending closes all pending calls so blocked callers unblock.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
