package transport

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// process is a spawned engine host.
type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	log     zerolog.Logger
}

// spawn starts the host executable. configure wires the child's streams.
func spawn(opts Options, args []string, log zerolog.Logger, configure func(*exec.Cmd)) (*process, error) {
	cmd := exec.Command(opts.HostPath, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if configure != nil {
		configure(cmd)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.HostPath, err)
	}

	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
		log:  log.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.log.Debug().AnErr("exit", p.waitErr).Msg("host exited")
		close(p.done)
	}()
	p.log.Debug().Strs("args", args).Msg("host started")
	return p, nil
}

func (p *process) pid() int { return p.cmd.Process.Pid }

// exited is closed once the process has been reaped.
func (p *process) exited() <-chan struct{} { return p.done }

// terminate waits up to grace for the process to exit on its own, then
// kills it. It always reaps the process before returning.
func (p *process) terminate(grace time.Duration) {
	if grace > 0 {
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
	}
	select {
	case <-p.done:
		return
	default:
	}
	p.log.Debug().Msg("killing host")
	_ = p.cmd.Process.Kill()
	<-p.done
}
