package transport

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/rpc"
)

// pipeCloser closes both of the client's pipe ends.
type pipeCloser struct {
	stdin  *os.File
	stdout *os.File
}

func (p pipeCloser) Close() error {
	return errors.Join(p.stdin.Close(), p.stdout.Close())
}

// openPipes spawns a host with redirected stdio and speaks newline-delimited
// JSON-RPC over it. The pipes are created by hand so that reaping the
// process never closes them under a pending read.
func openPipes(ctx context.Context, opts Options) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	log := channelLogger(id, OutOfProcessPipes)

	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, &Error{Kind: OutOfProcessPipes, Op: "spawn", Err: err}
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		stdin.Close()
		return nil, &Error{Kind: OutOfProcessPipes, Op: "spawn", Err: err}
	}

	proc, err := spawn(opts, serveArgs(opts, "--stdio"), log, func(cmd *exec.Cmd) {
		cmd.Stdin = childIn
		cmd.Stdout = childOut
		cmd.Stderr = logging.LineWriter(log, logging.DebugLevel)
	})
	// The child owns its ends now.
	childIn.Close()
	childOut.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &Error{Kind: OutOfProcessPipes, Op: "spawn", Err: err}
	}

	framer := rpc.NewLineFramer(stdout, stdin, pipeCloser{stdin: stdin, stdout: stdout})
	return newRemote(id, OutOfProcessPipes, proc, framer, opts, log), nil
}
