// Package engine implements the command engine behind every channel: a
// shell interpreter running on afero.Fs whose commands exchange structured
// records as JSON Lines and report diagnostics out of band.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// LoadDefaultDriveEnv is the process-wide toggle read when a shell is
// created without an explicit filesystem. Set to "0" to start every engine on
// an empty in-memory drive instead of an overlay of the working directory.
const LoadDefaultDriveEnv = "RUNSPACE_LOAD_DEFAULT_DRIVE"

// Options controls how a Shell is constructed.
type Options struct {
	// Fs is the filesystem commands operate on. When nil the default drive
	// is used, see LoadDefaultDriveEnv.
	Fs afero.Fs
	// DriveRoot is the host directory backing the default drive.
	// Defaults to the process working directory.
	DriveRoot string
	// Environ seeds the shell environment. Defaults to os.Environ().
	Environ []string
}

// Shell is a single, non-reentrant engine instance.
type Shell struct {
	fs      afero.Fs
	runner  *interp.Runner
	env     *EnvironMap
	dirMu   sync.Mutex
	cwd     string
	prevDir string
	sink    *syncSink
	busy    atomic.Bool
}

// New creates a shell with the given options.
func New(opts Options) (*Shell, error) {
	fs := opts.Fs
	if fs == nil {
		fs = defaultDrive(opts.DriveRoot)
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	shell := &Shell{
		fs:      fs,
		cwd:     "/",
		prevDir: "/",
		env:     NewEnvironMap(environ),
	}

	runner, err := interp.New(
		interp.Env(shell.env),
		interp.CallHandler(shell.callHandler),
		interp.ExecHandlers(shell.execHandler),
		interp.OpenHandler(shell.openHandler),
		interp.StatHandler(shell.statHandler),
		interp.ReadDirHandler(shell.readDirHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	shell.runner = runner
	return shell, nil
}

// defaultDrive overlays the host directory read-only with an in-memory
// layer, unless the process disabled it through LoadDefaultDriveEnv.
func defaultDrive(root string) afero.Fs {
	if os.Getenv(LoadDefaultDriveEnv) == "0" {
		return afero.NewMemMapFs()
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return afero.NewMemMapFs()
		}
		root = wd
	}
	base := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	return afero.NewCopyOnWriteFs(base, afero.NewMemMapFs())
}

// Fs returns the filesystem the shell runs on.
func (s *Shell) Fs() afero.Fs {
	return s.fs
}

// Cwd returns the current working directory
func (s *Shell) Cwd() string {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.cwd
}

// Invoke runs one invocation to completion. Records and diagnostics are
// delivered to sink in emission order; the returned error is the
// terminating fault, if any, and is also reported as an error diagnostic.
// The completion event is left to the caller so it can release any
// per-channel state before announcing it.
func (s *Shell) Invoke(ctx context.Context, inv Invocation, sink Sink) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	out := &syncSink{sink: sink, invocation: inv.ID}
	s.sink = out
	defer func() { s.sink = nil }()

	fault := s.run(ctx, inv, out)
	if fault != nil {
		out.diagnostic(EventError, fault.Error(), "terminating")
	}
	return fault
}

func (s *Shell) run(ctx context.Context, inv Invocation, out *syncSink) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(inv.Body), "")
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	env := s.env.Copy()
	if err := env.Bind(inv.Parameters); err != nil {
		return err
	}

	stdin, closeInput, err := inputPipe(inv.Input)
	if err != nil {
		return err
	}
	defer closeInput()

	stdout := newLineWriter(func(line []byte) {
		if rec, ok := DecodeRecord(line); ok {
			out.record(rec)
		}
	})
	stderr := newLineWriter(func(line []byte) {
		if msg := strings.TrimSpace(string(line)); msg != "" {
			out.diagnostic(EventError, msg, "stderr")
		}
	})
	defer stdout.Flush()
	defer stderr.Flush()

	// Reset captures Env into the runner's variable overlay, so the
	// environment must be in place before it. StdIO and Params applied
	// after Reset only last for this run.
	if err := interp.Env(env)(s.runner); err != nil {
		return fmt.Errorf("configure runner: %w", err)
	}
	s.runner.Reset()
	opts := []interp.RunnerOption{
		interp.StdIO(stdin, stdout, stderr),
		interp.Params(append([]string{"--"}, inv.Args...)...),
	}
	for _, opt := range opts {
		if err := opt(s.runner); err != nil {
			return fmt.Errorf("configure runner: %w", err)
		}
	}
	s.runner.Dir = s.Cwd()

	return s.runner.Run(ctx, prog)
}

// inputPipe streams records into an os.Pipe so the interpreter can share it
// across pipeline stages. The returned func closes the read end, which also
// unblocks the writer if the script never consumed its input.
func inputPipe(records []Record) (io.Reader, func(), error) {
	if len(records) == 0 {
		return nil, func() {}, nil
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("input pipe: %w", err)
	}
	go func() {
		defer pw.Close()
		for _, rec := range records {
			if err := EncodeRecord(pw, rec); err != nil {
				return
			}
		}
	}()
	return pr, func() { pr.Close() }, nil
}

// Reset clears per-session command state so the instance can accept an
// unrelated invocation. Bound parameters never outlive an invocation, so
// this only has to rewind the working directory.
func (s *Shell) Reset() error {
	if s.busy.Load() {
		return ErrBusy
	}
	s.dirMu.Lock()
	s.cwd = "/"
	s.prevDir = "/"
	s.dirMu.Unlock()
	return nil
}

// stdio returns the active stdio streams for the current pipeline stage.
func (s *Shell) stdio(ctx context.Context) (io.Reader, io.Writer, io.Writer) {
	hc := interp.HandlerCtx(ctx)
	in := hc.Stdin
	if in == nil {
		in = strings.NewReader("")
	}
	outW := hc.Stdout
	if outW == nil {
		outW = io.Discard
	}
	errW := hc.Stderr
	if errW == nil {
		errW = io.Discard
	}
	return in, outW, errW
}

// report sends a diagnostic for the running invocation.
func (s *Shell) report(kind EventKind, message, cause string) {
	if s.sink != nil {
		s.sink.diagnostic(kind, message, cause)
	}
}

// callHandler intercepts all command calls, including builtins.
// cd and pwd are renamed so the exec handler can serve them from the
// shell's own working directory instead of the host's.
func (s *Shell) callHandler(ctx context.Context, args []string) ([]string, error) {
	if len(args) == 0 {
		return args, nil
	}
	switch args[0] {
	case "cd", "pwd":
		modifiedArgs := make([]string, len(args))
		copy(modifiedArgs, args)
		modifiedArgs[0] = "__runspace_" + args[0] + "__"
		return modifiedArgs, nil
	}
	return args, nil
}

// execHandler dispatches every non-builtin command.
func (s *Shell) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return nil
		}

		if strings.HasPrefix(args[0], "__runspace_") && strings.HasSuffix(args[0], "__") {
			newArgs := make([]string, len(args))
			copy(newArgs, args)
			newArgs[0] = strings.TrimPrefix(strings.TrimSuffix(args[0], "__"), "__runspace_")
			args = newArgs
		}

		switch args[0] {
		case "pwd":
			return s.cmdPwd(ctx, args)
		case "cd":
			return s.cmdCd(ctx, args)
		case "cat":
			return s.cmdCat(ctx, args)
		case "sleep":
			return s.cmdSleep(ctx, args)
		case "emit":
			return s.cmdEmit(ctx, args)
		case "where":
			return s.cmdWhere(ctx, args)
		case "select-fields":
			return s.cmdSelectFields(ctx, args)
		case "list-items":
			return s.cmdListItems(ctx, args)
		case "write-information":
			return s.cmdWriteDiagnostic(ctx, EventInformation, args)
		case "write-warning":
			return s.cmdWriteDiagnostic(ctx, EventWarning, args)
		case "write-error":
			return s.cmdWriteDiagnostic(ctx, EventError, args)
		case "throw":
			return s.cmdThrow(ctx, args)
		case "param":
			return s.cmdParam(ctx, args)
		default:
			return fmt.Errorf("%s: command not found", args[0])
		}
	}
}

// openHandler serves redirections from the shell's filesystem
func (s *Shell) openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		return devNull{}, nil
	}
	file, err := s.fs.OpenFile(s.resolvePath(path), flag, perm)
	if err != nil {
		return nil, err
	}
	return file, nil
}

type devNull struct{}

func (devNull) Read([]byte) (int, error)    { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }
func (devNull) Close() error                { return nil }

// statHandler handles file stat operations
func (s *Shell) statHandler(ctx context.Context, name string, followSymlinks bool) (os.FileInfo, error) {
	name = s.resolvePath(name)
	if followSymlinks {
		return s.fs.Stat(name)
	}
	if lfs, ok := s.fs.(afero.Lstater); ok {
		fi, _, err := lfs.LstatIfPossible(name)
		return fi, err
	}
	return s.fs.Stat(name)
}

// readDirHandler handles directory reading for globbing
func (s *Shell) readDirHandler(ctx context.Context, path string) ([]os.FileInfo, error) {
	return afero.ReadDir(s.fs, s.resolvePath(path))
}

// resolvePath resolves a path relative to the current working directory
func (s *Shell) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(s.Cwd(), path))
}

// setCwd changes the working directory after checking it exists
func (s *Shell) setCwd(dir string) error {
	dir = s.resolvePath(dir)
	info, err := s.fs.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", dir)
	}
	s.dirMu.Lock()
	s.prevDir = s.cwd
	s.cwd = dir
	s.dirMu.Unlock()
	return nil
}

// previousDir returns the directory cd - returns to.
func (s *Shell) previousDir() string {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.prevDir
}

// cmdSleep implements the sleep command
func (s *Shell) cmdSleep(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("sleep: missing operand")
	}
	duration, err := time.ParseDuration(args[1] + "s")
	if err != nil {
		return fmt.Errorf("sleep: invalid time interval '%s'", args[1])
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}
