package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/rpc"
)

// remote is a channel to an engine in a spawned host, reached over any
// rpc.Framer.
type remote struct {
	id     string
	kind   Kind
	proc   *process
	conn   *rpc.Conn
	events *eventQueue
	grace  time.Duration
	log    zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func channelLogger(id string, kind Kind) zerolog.Logger {
	return logging.Component("transport").With().
		Str("channel", id).
		Str("transport", kind.String()).
		Logger()
}

func newRemote(id string, kind Kind, proc *process, framer rpc.Framer, opts Options, log zerolog.Logger) *remote {
	r := &remote{
		id:     id,
		kind:   kind,
		proc:   proc,
		conn:   rpc.NewConn(framer),
		events: newEventQueue(),
		grace:  opts.GracePeriod,
		log:    log,
	}
	r.conn.OnNotification(rpc.MethodEvent, func(params json.RawMessage) {
		var ev engine.Event
		if err := json.Unmarshal(params, &ev); err != nil {
			r.log.Warn().Err(err).Msg("malformed event")
			return
		}
		r.events.push(ev)
	})
	go func() {
		if err := r.conn.Serve(context.Background()); err != nil {
			r.log.Debug().Err(err).Msg("channel read failed")
		}
		if r.closed.Load() {
			r.events.close(ErrClosed)
		} else {
			r.events.close(ErrLost)
		}
	}()
	return r
}

func (r *remote) ID() string { return r.id }
func (r *remote) Kind() Kind { return r.kind }
func (r *remote) PID() int   { return r.proc.pid() }

func (r *remote) Send(ctx context.Context, inv *engine.Invocation) error {
	if r.closed.Load() {
		return &Error{Kind: r.kind, Op: "send", Err: ErrClosed}
	}
	var ack rpc.InvokeResult
	if err := r.conn.Call(ctx, rpc.MethodInvoke, inv, &ack); err != nil {
		return r.callError("send", err)
	}
	return nil
}

func (r *remote) Receive(ctx context.Context) (engine.Event, error) {
	ev, err := r.events.pop(ctx)
	if err != nil && ctx.Err() == nil {
		return ev, &Error{Kind: r.kind, Op: "receive", Err: err}
	}
	return ev, err
}

func (r *remote) Reset(ctx context.Context) error {
	if r.closed.Load() {
		return &Error{Kind: r.kind, Op: "reset", Err: ErrClosed}
	}
	if err := r.conn.Call(ctx, rpc.MethodReset, nil, nil); err != nil {
		return r.callError("reset", err)
	}
	return nil
}

func (r *remote) callError(op string, err error) error {
	var rpcErr *rpc.Error
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == rpc.CodeBusy:
		err = ErrBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpc.ErrConnClosed):
		err = ErrLost
	}
	return &Error{Kind: r.kind, Op: op, Err: err}
}

func (r *remote) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if err := r.conn.Notify(rpc.MethodShutdown, nil); err != nil {
			r.log.Debug().Err(err).Msg("shutdown notification failed")
		}
		r.conn.Close()
		r.proc.terminate(r.grace)
		<-r.conn.Done()
		r.events.abort(ErrClosed)
		r.log.Debug().Msg("channel closed")
	})
	return nil
}
