// Package hosttest lets a test binary stand in for runspace-host, so
// out-of-process transports can be exercised without building the helper.
package hosttest

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/host"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

// EnvVar marks a re-executed test binary as a host.
const EnvVar = "RUNSPACE_TEST_HOST"

// Main runs the tests, or the host command when the binary was re-executed
// by Options. Call it from TestMain.
func Main(m *testing.M) {
	if os.Getenv(EnvVar) != "1" {
		os.Exit(m.Run())
	}
	args := os.Args[1:]
	for i, arg := range os.Args {
		if arg == "--" {
			args = os.Args[i+1:]
			break
		}
	}
	cmd := host.NewCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Options returns transport options that spawn the current test binary as
// the host, with a short-lived socket directory.
func Options(t testing.TB) transport.Options {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	// Unix socket paths are length limited, so stay out of t.TempDir.
	dir, err := os.MkdirTemp("", "rsh")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	return transport.Options{
		HostPath: exe,
		HostArgs: []string{"--"},
		Env: []string{
			EnvVar + "=1",
			engine.LoadDefaultDriveEnv + "=0",
			"RUNSPACE_LOG_LEVEL=DEBUG",
		},
		SocketDir:      dir,
		ConnectTimeout: 10 * time.Second,
		GracePeriod:    2 * time.Second,
		Engine:         engine.Options{Environ: []string{}},
	}
}
