package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/telnet2/go-practice/go-runspace/host"
	"github.com/telnet2/go-practice/go-runspace/rpc"
)

var errHostExited = errors.New("host exited before accepting a connection")

// openNamed spawns a host without redirected streams and connects to the
// socket it creates from its own pid.
func openNamed(ctx context.Context, opts Options) (Channel, error) {
	id := uuid.NewString()
	log := channelLogger(id, NamedChannel)

	proc, err := spawn(opts, serveArgs(opts, "--socket-dir", opts.SocketDir), log, nil)
	if err != nil {
		return nil, &Error{Kind: NamedChannel, Op: "spawn", Err: err}
	}

	path := host.SocketPath(opts.SocketDir, proc.pid())
	ws, err := dialChannel(ctx, path, opts.ConnectTimeout, proc.exited())
	if err != nil {
		proc.terminate(0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: NamedChannel, Op: "connect", Err: err}
	}
	log.Debug().Str("socket", path).Msg("channel connected")

	return newRemote(id, NamedChannel, proc, rpc.NewWebSocketFramer(ws), opts, log), nil
}

// dialChannel retries the websocket handshake with exponential backoff
// until it succeeds, the timeout elapses, or the host exits.
func dialChannel(ctx context.Context, path string, timeout time.Duration, exited <-chan struct{}) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
		HandshakeTimeout: timeout,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	var conn *websocket.Conn
	operation := func() error {
		select {
		case <-exited:
			return backoff.Permanent(errHostExited)
		default:
		}
		ws, resp, err := dialer.DialContext(ctx, "ws://runspace"+rpc.ChannelPath, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return backoff.Permanent(fmt.Errorf("handshake rejected: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}
