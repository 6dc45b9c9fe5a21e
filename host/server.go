// Package host serves a single engine instance to one runspace client, either
// over the process's own stdio or over a websocket on a unix socket.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/rpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Only local processes can reach the socket.
		return true
	},
}

// Server owns exactly one engine instance.
type Server struct {
	shell   *engine.Shell
	running atomic.Bool
	claimed atomic.Bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewServer creates a server around a fresh engine.
func NewServer(opts engine.Options) (*Server, error) {
	shell, err := engine.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return &Server{
		shell: shell,
		log:   logging.Component("host"),
	}, nil
}

// SocketPath is where a host with the given pid listens in dir.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("runspace-%d.sock", pid))
}

// ServeFramer serves the engine over f until the client disconnects, sends
// engine.shutdown, or ctx is done. In-flight invocations are cancelled and
// waited for before it returns.
func (s *Server) ServeFramer(ctx context.Context, f rpc.Framer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := rpc.NewConn(f)
	conn.OnMethod(rpc.MethodInvoke, func(ctx context.Context, params json.RawMessage) (any, error) {
		return s.handleInvoke(ctx, conn, params)
	})
	conn.OnMethod(rpc.MethodReset, func(ctx context.Context, params json.RawMessage) (any, error) {
		if s.running.Load() {
			return nil, rpc.NewError(rpc.CodeBusy, "invocation in progress")
		}
		if err := s.shell.Reset(); err != nil {
			return nil, rpc.NewError(rpc.CodeBusy, "%v", err)
		}
		return true, nil
	})
	conn.OnNotification(rpc.MethodShutdown, func(json.RawMessage) {
		s.log.Debug().Msg("shutdown requested")
		cancel()
	})

	err := conn.Serve(ctx)
	cancel()
	s.wg.Wait()
	conn.Close()
	return err
}

func (s *Server) handleInvoke(ctx context.Context, conn *rpc.Conn, params json.RawMessage) (any, error) {
	var inv engine.Invocation
	if err := json.Unmarshal(params, &inv); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, "invalid invocation: %v", err)
	}
	if inv.ID == "" {
		return nil, rpc.NewError(rpc.InvalidParams, "invocation id is required")
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, rpc.NewError(rpc.CodeBusy, "invocation in progress")
	}

	log := s.log.With().Str("invocation", inv.ID).Logger()
	log.Debug().Int("input", len(inv.Input)).Msg("invocation accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sink := engine.SinkFunc(func(ev engine.Event) {
			if err := conn.Notify(rpc.MethodEvent, ev); err != nil {
				log.Debug().Err(err).Msg("event dropped")
			}
		})
		fault := s.shell.Invoke(ctx, inv, sink)
		// Release before announcing completion so the client may submit
		// again as soon as it sees the completed event.
		s.running.Store(false)
		if fault != nil {
			log.Debug().Err(fault).Msg("invocation faulted")
		}
		if err := conn.Notify(rpc.MethodEvent, engine.Completed(inv.ID, fault)); err != nil {
			log.Debug().Err(err).Msg("completion dropped")
		}
	}()

	return rpc.InvokeResult{Invocation: inv.ID}, nil
}

// ServeStdio serves the engine over the process's stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.ServeFramer(ctx, rpc.NewLineFramer(os.Stdin, os.Stdout, os.Stdin))
}

// Router builds the HTTP surface of a named-channel host. done receives the
// result of the first channel connection.
func (s *Server) Router(ctx context.Context, done chan<- error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get(rpc.ChannelPath, func(w http.ResponseWriter, r *http.Request) {
		if !s.claimed.CompareAndSwap(false, true) {
			http.Error(w, "channel already connected", http.StatusConflict)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.claimed.Store(false)
			s.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("channel connected")
		done <- s.ServeFramer(ctx, rpc.NewWebSocketFramer(ws))
	})
	return r
}

// ServeSocket listens on a unix socket at path and serves the first channel
// connection. It returns when that connection ends or ctx is done; the
// socket file is removed on return.
func (s *Server) ServeSocket(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	defer os.Remove(path)

	done := make(chan error, 1)
	srv := &http.Server{
		Handler:           s.Router(ctx, done),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	s.log.Info().Str("socket", path).Msg("listening")

	var result error
	select {
	case result = <-done:
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	return result
}
