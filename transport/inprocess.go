package transport

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

type inProcess struct {
	id     string
	shell  *engine.Shell
	events *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	busy      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func openInProcess(opts Options) (Channel, error) {
	shell, err := engine.New(opts.Engine)
	if err != nil {
		return nil, &Error{Kind: InProcess, Op: "open", Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &inProcess{
		id:     uuid.NewString(),
		shell:  shell,
		events: newEventQueue(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *inProcess) ID() string { return c.id }
func (c *inProcess) Kind() Kind { return InProcess }
func (c *inProcess) PID() int   { return os.Getpid() }

func (c *inProcess) Send(ctx context.Context, inv *engine.Invocation) error {
	if c.closed.Load() {
		return &Error{Kind: InProcess, Op: "send", Err: ErrClosed}
	}
	if !c.busy.CompareAndSwap(false, true) {
		return &Error{Kind: InProcess, Op: "send", Err: ErrBusy}
	}

	c.wg.Add(1)
	go func(inv engine.Invocation) {
		defer c.wg.Done()
		fault := c.shell.Invoke(c.ctx, inv, engine.SinkFunc(c.events.push))
		c.busy.Store(false)
		c.events.push(engine.Completed(inv.ID, fault))
	}(*inv)
	return nil
}

func (c *inProcess) Receive(ctx context.Context) (engine.Event, error) {
	ev, err := c.events.pop(ctx)
	if err != nil && ctx.Err() == nil {
		return ev, &Error{Kind: InProcess, Op: "receive", Err: err}
	}
	return ev, err
}

func (c *inProcess) Reset(ctx context.Context) error {
	if c.closed.Load() {
		return &Error{Kind: InProcess, Op: "reset", Err: ErrClosed}
	}
	if c.busy.Load() {
		return &Error{Kind: InProcess, Op: "reset", Err: ErrBusy}
	}
	if err := c.shell.Reset(); err != nil {
		return resetError(err)
	}
	return nil
}

// resetError maps an engine reset failure onto the channel errors.
func resetError(err error) error {
	if errors.Is(err, engine.ErrBusy) {
		err = ErrBusy
	}
	return &Error{Kind: InProcess, Op: "reset", Err: err}
}

func (c *inProcess) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		c.events.abort(ErrClosed)
	})
	return nil
}
