package engine

import (
	"context"
	"fmt"
	"io"

	"mvdan.cc/sh/v3/interp"
)

// cmdPwd implements the pwd command
func (s *Shell) cmdPwd(ctx context.Context, args []string) error {
	_, stdout, _ := s.stdio(ctx)
	fmt.Fprintln(stdout, s.Cwd())
	return nil
}

// cmdCd implements the cd command
func (s *Shell) cmdCd(ctx context.Context, args []string) error {
	_, stdout, stderr := s.stdio(ctx)
	var dir string
	switch {
	case len(args) < 2:
		dir = interp.HandlerCtx(ctx).Env.Get("HOME").String()
		if dir == "" {
			dir = "/"
		}
	case args[1] == "-":
		dir = s.previousDir()
		fmt.Fprintln(stdout, dir)
	default:
		dir = args[1]
	}

	if err := s.setCwd(dir); err != nil {
		fmt.Fprintf(stderr, "cd: %s: %v\n", dir, err)
		return interp.ExitStatus(1)
	}
	return nil
}

// cmdCat implements the cat command. Files that cannot be read are reported
// on stderr and fail the command without stopping the script.
func (s *Shell) cmdCat(ctx context.Context, args []string) error {
	stdin, stdout, stderr := s.stdio(ctx)
	if len(args) < 2 {
		_, err := io.Copy(stdout, stdin)
		return err
	}

	failed := false
	for _, name := range args[1:] {
		if err := s.catFile(stdout, name); err != nil {
			fmt.Fprintf(stderr, "cat: %s: %v\n", name, err)
			failed = true
		}
	}
	if failed {
		return interp.ExitStatus(1)
	}
	return nil
}

func (s *Shell) catFile(w io.Writer, name string) error {
	path := s.resolvePath(name)
	info, err := s.fs.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	file, err := s.fs.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}
