// Package runspace runs commands against a command engine over a chosen
// transport and filters their results inside the same engine session.
package runspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

// State is the position of a session in its invocation cycle.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateDraining
	StateSealed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateDraining:
		return "draining"
	case StateSealed:
		return "sealed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a handle to one live engine instance. It runs at most one
// invocation at a time.
type Session struct {
	ch  transport.Channel
	log zerolog.Logger

	mu    sync.Mutex
	state State
	diags Diagnostics

	closeOnce sync.Once
	closeErr  error
}

// OpenSession opens a channel of the given kind and binds a session to it.
func OpenSession(ctx context.Context, kind transport.Kind, opts transport.Options) (*Session, error) {
	ch, err := transport.Open(ctx, kind, opts)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrInvalidKind):
			return nil, &ConfigurationError{Field: "transport", Value: kind.String(), Err: err}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, &TransportError{Kind: kind, Err: err}
		}
	}
	s := &Session{
		ch: ch,
		log: logging.With().
			Str("session", ch.ID()).
			Str("transport", kind.String()).
			Int("pid", ch.PID()).
			Logger(),
	}
	s.log.Debug().Msg("session opened")
	return s, nil
}

// ID returns the identity of the underlying channel.
func (s *Session) ID() string { return s.ch.ID() }

// Kind returns the transport backing the session.
func (s *Session) Kind() transport.Kind { return s.ch.Kind() }

// PID returns the id of the process hosting the engine.
func (s *Session) PID() int { return s.ch.PID() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Diagnostics returns the diagnostics of the most recent invocation.
func (s *Session) Diagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diags.clone()
}

// Pending is an invocation whose output is still draining.
type Pending struct {
	session *Session
	done    chan struct{}
	results *ResultSet
	err     error
}

// Done is closed once the output has been drained and sealed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the invocation is drained. If ctx ends first the
// session is closed, which terminates the engine, and ctx's error is
// returned.
func (p *Pending) Wait(ctx context.Context) (*ResultSet, error) {
	select {
	case <-p.done:
		return p.results, p.err
	case <-ctx.Done():
		p.session.log.Warn().Err(ctx.Err()).Msg("invocation abandoned, closing session")
		p.session.Close()
		<-p.done
		return nil, ctx.Err()
	}
}

// Start dispatches cmd and returns without waiting for its output.
func (s *Session) Start(ctx context.Context, cmd Command) (*Pending, error) {
	return s.start(ctx, cmd, nil, nil)
}

// Submit runs cmd and returns its sealed results. A terminating fault is
// returned as an *InvocationError after all diagnostics were collected.
func (s *Session) Submit(ctx context.Context, cmd Command) (*ResultSet, error) {
	p, err := s.start(ctx, cmd, nil, nil)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// SubmitWithInput runs cmd with args as its positional arguments and the
// records of input streamed to it. input must be sealed and is not modified.
func (s *Session) SubmitWithInput(ctx context.Context, cmd Command, args []string, input *ResultSet) (*ResultSet, error) {
	p, err := s.start(ctx, cmd, args, input)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func (s *Session) start(ctx context.Context, cmd Command, args []string, input *ResultSet) (*Pending, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if input != nil && !input.Sealed() {
		return nil, ErrNotSealed
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case StateIdle, StateSealed:
	default:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.state = StateSubmitting
	s.diags = Diagnostics{}
	s.mu.Unlock()

	inv := &engine.Invocation{
		ID:         ulid.Make().String(),
		Body:       cmd.Render(),
		Parameters: cmd.Parameters(),
		Args:       args,
	}
	if input != nil {
		inv.Input = input.Records()
	}

	log := s.log.With().Str("invocation", inv.ID).Logger()
	if err := s.ch.Send(ctx, inv); err != nil {
		if ctx.Err() != nil {
			// The engine may have accepted the invocation; only teardown
			// guarantees it stops.
			s.Close()
			return nil, ctx.Err()
		}
		s.transition(StateSubmitting, StateIdle)
		return nil, s.channelError(err)
	}
	s.transition(StateSubmitting, StateDraining)
	log.Debug().Int("input", len(inv.Input)).Msg("invocation dispatched")

	p := &Pending{session: s, done: make(chan struct{})}
	go s.drain(inv.ID, p, log)
	return p, nil
}

// transition moves from one state to another unless the session was
// closed in between.
func (s *Session) transition(from, to State) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

// drain collects every event of the invocation until it completes.
func (s *Session) drain(id string, p *Pending, log zerolog.Logger) {
	defer close(p.done)
	results := &ResultSet{}

	for {
		ev, err := s.ch.Receive(context.Background())
		if err != nil {
			results.Seal()
			s.transition(StateDraining, StateIdle)
			p.err = s.channelError(err)
			log.Debug().Err(err).Msg("drain interrupted")
			return
		}
		if ev.Invocation != id {
			log.Debug().Str("stale", ev.Invocation).Msg("dropping event of another invocation")
			continue
		}

		switch ev.Kind {
		case engine.EventRecord:
			results.append(ev.Record)
		case engine.EventCompleted:
			results.Seal()
			s.mu.Lock()
			if s.state == StateDraining {
				s.state = StateSealed
			}
			errs := append([]Diagnostic(nil), s.diags.Error...)
			s.mu.Unlock()

			log.Debug().
				Int("records", results.Len()).
				Int("errors", len(errs)).
				Str("fault", ev.Fault).
				Msg("invocation completed")
			if ev.Fault != "" {
				p.err = &InvocationError{Invocation: id, Fault: ev.Fault, Errors: errs, Partial: results}
				return
			}
			p.results = results
			return
		default:
			if diag, ok := diagnosticFromEvent(ev); ok {
				s.mu.Lock()
				s.diags.add(diag)
				s.mu.Unlock()
			}
		}
	}
}

// Reset clears the engine's command state and the diagnostic buffers so
// the session can take an unrelated invocation.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle, StateSealed:
	default:
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.mu.Unlock()

	if err := s.ch.Reset(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.channelError(err)
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateIdle
	}
	s.diags = Diagnostics{}
	s.mu.Unlock()
	return nil
}

// Close releases the channel and any process behind it. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.closeErr = s.ch.Close()
		s.log.Debug().Msg("session closed")
	})
	return s.closeErr
}

func (s *Session) channelError(err error) error {
	switch {
	case errors.Is(err, transport.ErrBusy):
		return ErrSessionBusy
	case errors.Is(err, transport.ErrClosed):
		return ErrSessionClosed
	default:
		return &TransportError{Kind: s.ch.Kind(), Err: err}
	}
}
