// Package transport opens channels to command engines. A channel either
// hosts the engine in the calling process or spawns a helper process and
// talks to it over redirected stdio or a named local socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

// Kind selects how a channel reaches its engine.
type Kind int

const (
	// InProcess runs the engine inside the calling process.
	InProcess Kind = iota
	// OutOfProcessPipes spawns a host and speaks over its stdin/stdout.
	OutOfProcessPipes
	// NamedChannel spawns a host that listens on a socket named from its pid.
	NamedChannel
)

func (k Kind) String() string {
	switch k {
	case InProcess:
		return "inprocess"
	case OutOfProcessPipes:
		return "pipes"
	case NamedChannel:
		return "named"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a transport name as found in configuration.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inprocess", "in-process":
		return InProcess, nil
	case "pipes", "out-of-process", "outofprocess":
		return OutOfProcessPipes, nil
	case "named", "named-channel", "namedchannel":
		return NamedChannel, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < InProcess || k > NamedChannel {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	// ErrInvalidKind reports a transport kind outside the known set.
	ErrInvalidKind = errors.New("transport: invalid kind")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: channel closed")
	// ErrBusy is returned when the engine is still running an invocation.
	ErrBusy = errors.New("transport: engine busy")
	// ErrLost is returned by Receive once the engine went away.
	ErrLost = errors.New("transport: channel lost")
)

// Error describes a failed channel operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures how channels are opened.
type Options struct {
	// HostPath is the helper executable for out-of-process kinds.
	HostPath string
	// HostArgs are placed before the serve arguments.
	HostArgs []string
	// Env is appended to the current environment of the helper.
	Env []string
	// SocketDir is where a named-channel host creates its socket.
	SocketDir string
	// ConnectTimeout bounds how long a named channel is dialled.
	ConnectTimeout time.Duration
	// GracePeriod is how long a host may take to exit before it is killed.
	GracePeriod time.Duration
	// Engine configures in-process engines.
	Engine engine.Options
}

// DefaultHostPath is used when Options.HostPath is empty.
const DefaultHostPath = "runspace-host"

func (o Options) withDefaults() Options {
	if o.HostPath == "" {
		o.HostPath = DefaultHostPath
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	return o
}

// Channel is a live connection to one engine instance.
type Channel interface {
	// ID identifies the channel for logging.
	ID() string
	Kind() Kind
	// PID is the process hosting the engine.
	PID() int
	// Send dispatches an invocation without waiting for it to finish.
	Send(ctx context.Context, inv *engine.Invocation) error
	// Receive returns the next event of the running invocation.
	Receive(ctx context.Context) (engine.Event, error)
	// Reset clears the engine's per-session state.
	Reset(ctx context.Context) error
	// Close tears the channel down, terminating any helper process.
	// It is safe to call more than once.
	Close() error
}

// Open establishes a channel of the given kind.
func Open(ctx context.Context, kind Kind, opts Options) (Channel, error) {
	opts = opts.withDefaults()
	switch kind {
	case InProcess:
		return openInProcess(opts)
	case OutOfProcessPipes:
		return openPipes(ctx, opts)
	case NamedChannel:
		return openNamed(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(kind))
	}
}

// serveArgs are the arguments every spawned host receives.
func serveArgs(opts Options, extra ...string) []string {
	args := append([]string{}, opts.HostArgs...)
	args = append(args, "serve")
	args = append(args, extra...)
	if opts.Engine.DriveRoot != "" {
		args = append(args, "--drive-root", opts.Engine.DriveRoot)
	}
	return append(args,
		"--non-interactive",
		"--no-profile",
		"--window-style", "hidden",
		"--execution-policy", "bypass",
	)
}
