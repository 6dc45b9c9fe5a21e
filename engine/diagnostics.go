package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/interp"
)

// cmdWriteDiagnostic reports its arguments on one of the diagnostic streams
// without affecting the exit status.
func (s *Shell) cmdWriteDiagnostic(ctx context.Context, kind EventKind, args []string) error {
	message := strings.Join(args[1:], " ")
	if message == "" {
		return fmt.Errorf("%s: missing message", args[0])
	}
	s.report(kind, message, args[0])
	return nil
}

// cmdThrow stops the invocation with a terminating fault.
func (s *Shell) cmdThrow(ctx context.Context, args []string) error {
	message := strings.Join(args[1:], " ")
	if message == "" {
		message = "ScriptHalted"
	}
	return errors.New(message)
}

// cmdParam checks that every declared parameter is bound.
func (s *Shell) cmdParam(ctx context.Context, args []string) error {
	env := interp.HandlerCtx(ctx).Env
	var missing []string
	for _, name := range args[1:] {
		if !ValidName(name) {
			return fmt.Errorf("param: invalid parameter name %q", name)
		}
		if !env.Get(name).IsSet() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("param: unbound parameter(s): %s", strings.Join(missing, ", "))
	}
	return nil
}
