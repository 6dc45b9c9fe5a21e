//go:build unix

package transport_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/hosttest"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

var allKinds = []transport.Kind{
	transport.InProcess,
	transport.OutOfProcessPipes,
	transport.NamedChannel,
}

// drain collects events until the completed event.
func drain(t *testing.T, ch transport.Channel) []engine.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []engine.Event
	for {
		ev, err := ch.Receive(ctx)
		require.NoError(t, err)
		events = append(events, ev)
		if ev.Kind == engine.EventCompleted {
			return events
		}
	}
}

func processGone(pid int) bool {
	return syscall.Kill(pid, 0) != nil
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want transport.Kind
	}{
		{"inprocess", transport.InProcess},
		{"In-Process", transport.InProcess},
		{"pipes", transport.OutOfProcessPipes},
		{"out-of-process", transport.OutOfProcessPipes},
		{"named", transport.NamedChannel},
		{" named-channel ", transport.NamedChannel},
	}
	for _, tt := range tests {
		got, err := transport.ParseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := transport.ParseKind("carrier-pigeon")
	assert.ErrorIs(t, err, transport.ErrInvalidKind)

	var k transport.Kind
	require.NoError(t, k.UnmarshalText([]byte("named")))
	assert.Equal(t, transport.NamedChannel, k)
	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "named", string(text))
}

func TestOpen_InvalidKind(t *testing.T) {
	_, err := transport.Open(context.Background(), transport.Kind(42), hosttest.Options(t))
	assert.ErrorIs(t, err, transport.ErrInvalidKind)
}

func TestChannel_RoundTrip(t *testing.T) {
	for _, kind := range allKinds {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			ch, err := transport.Open(ctx, kind, hosttest.Options(t))
			require.NoError(t, err)
			defer ch.Close()

			assert.Equal(t, kind, ch.Kind())
			assert.NotEmpty(t, ch.ID())
			assert.Positive(t, ch.PID())

			require.NoError(t, ch.Send(ctx, &engine.Invocation{
				ID:   "first",
				Body: "emit Number=1\nwrite-warning heads up\nemit Number=2",
			}))
			events := drain(t, ch)
			require.Len(t, events, 4)
			assert.Equal(t, float64(1), events[0].Record["Number"])
			assert.Equal(t, engine.EventWarning, events[1].Kind)
			assert.Equal(t, "heads up", events[1].Message)
			assert.Equal(t, float64(2), events[2].Record["Number"])
			assert.Empty(t, events[3].Fault)

			require.NoError(t, ch.Reset(ctx))

			require.NoError(t, ch.Send(ctx, &engine.Invocation{
				ID:    "second",
				Body:  `where "$1"`,
				Args:  []string{".Number == 2"},
				Input: []engine.Record{{"Number": 1}, {"Number": 2}},
			}))
			events = drain(t, ch)
			require.Len(t, events, 2)
			assert.Equal(t, "second", events[0].Invocation)
			assert.Equal(t, float64(2), events[0].Record["Number"])
		})
	}
}

func TestChannel_BusyWhileRunning(t *testing.T) {
	for _, kind := range allKinds {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			ch, err := transport.Open(ctx, kind, hosttest.Options(t))
			require.NoError(t, err)
			defer ch.Close()

			require.NoError(t, ch.Send(ctx, &engine.Invocation{ID: "slow", Body: "sleep 30"}))
			err = ch.Send(ctx, &engine.Invocation{ID: "fast", Body: "true"})
			assert.ErrorIs(t, err, transport.ErrBusy)
			assert.ErrorIs(t, ch.Reset(ctx), transport.ErrBusy)
		})
	}
}

func TestChannel_CloseIsIdempotentAndReapsHost(t *testing.T) {
	for _, kind := range []transport.Kind{transport.OutOfProcessPipes, transport.NamedChannel} {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			ch, err := transport.Open(ctx, kind, hosttest.Options(t))
			require.NoError(t, err)
			pid := ch.PID()

			// Close in the middle of an invocation.
			require.NoError(t, ch.Send(ctx, &engine.Invocation{ID: "slow", Body: "sleep 30"}))

			require.NoError(t, ch.Close())
			require.NoError(t, ch.Close())
			assert.True(t, processGone(pid), "host %d still running", pid)

			err = ch.Send(ctx, &engine.Invocation{ID: "late", Body: "true"})
			assert.ErrorIs(t, err, transport.ErrClosed)

			_, err = ch.Receive(ctx)
			assert.ErrorIs(t, err, transport.ErrClosed)
		})
	}
}

func TestChannel_HostCrashIsReported(t *testing.T) {
	ctx := context.Background()
	ch, err := transport.Open(ctx, transport.OutOfProcessPipes, hosttest.Options(t))
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, &engine.Invocation{ID: "slow", Body: "sleep 30"}))
	require.NoError(t, syscall.Kill(ch.PID(), syscall.SIGKILL))

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		_, err := ch.Receive(rctx)
		if err != nil {
			assert.ErrorIs(t, err, transport.ErrLost)
			var terr *transport.Error
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, "receive", terr.Op)
			return
		}
	}
}

func TestOpen_SpawnFailure(t *testing.T) {
	opts := hosttest.Options(t)
	opts.HostPath = "/nonexistent/runspace-host"

	for _, kind := range []transport.Kind{transport.OutOfProcessPipes, transport.NamedChannel} {
		_, err := transport.Open(context.Background(), kind, opts)
		var terr *transport.Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "spawn", terr.Op)
		assert.Equal(t, kind, terr.Kind)
	}
}

func TestOpen_NamedConnectFailure(t *testing.T) {
	opts := hosttest.Options(t)
	opts.HostPath = "/bin/sh"
	opts.HostArgs = []string{"-c", "exit 0", "sh"}
	opts.ConnectTimeout = 2 * time.Second

	_, err := transport.Open(context.Background(), transport.NamedChannel, opts)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
}

func TestOpen_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := transport.Open(ctx, transport.OutOfProcessPipes, hosttest.Options(t))
	assert.ErrorIs(t, err, context.Canceled)
}
