package host

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
)

// ServeFlags are the options accepted by the serve subcommand.
type ServeFlags struct {
	Stdio           bool
	SocketDir       string
	NonInteractive  bool
	NoProfile       bool
	WindowStyle     string
	ExecutionPolicy string
	LogLevel        string
	DriveRoot       string
}

// NewCommand builds the runspace-host command tree.
func NewCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "runspace-host",
		Short:         "Helper process that runs one runspace engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var flags ServeFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an engine to a single client",
		Long: `Serve an engine to a single client.

With --stdio the client talks JSON-RPC over this process's stdin and stdout.
Otherwise the host listens on <socket-dir>/runspace-<pid>.sock and accepts one
websocket channel connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	logLevel := os.Getenv("RUNSPACE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	f := cmd.Flags()
	f.BoolVar(&flags.Stdio, "stdio", false, "Serve over stdin/stdout")
	f.StringVar(&flags.SocketDir, "socket-dir", os.TempDir(), "Directory for the channel socket")
	f.BoolVar(&flags.NonInteractive, "non-interactive", false, "Never prompt")
	f.BoolVar(&flags.NoProfile, "no-profile", false, "Skip user startup files")
	f.StringVar(&flags.WindowStyle, "window-style", "hidden", "Window style of the host process")
	f.StringVar(&flags.ExecutionPolicy, "execution-policy", "bypass", "Script execution policy")
	f.StringVar(&flags.LogLevel, "log-level", logLevel, "Log level (TRACE|DEBUG|INFO|WARN|ERROR|OFF)")
	f.StringVar(&flags.DriveRoot, "drive-root", "", "Host directory behind the default drive")
	return cmd
}

func runServe(ctx context.Context, flags ServeFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(flags.LogLevel),
		Output: os.Stderr,
	})
	log := logging.Component("host")
	log.Debug().
		Int("pid", os.Getpid()).
		Bool("stdio", flags.Stdio).
		Bool("non_interactive", flags.NonInteractive).
		Bool("no_profile", flags.NoProfile).
		Str("window_style", flags.WindowStyle).
		Str("execution_policy", flags.ExecutionPolicy).
		Msg("host starting")

	srv, err := NewServer(engine.Options{DriveRoot: flags.DriveRoot})
	if err != nil {
		return err
	}

	if flags.Stdio {
		err = srv.ServeStdio(ctx)
	} else {
		err = srv.ServeSocket(ctx, SocketPath(flags.SocketDir, os.Getpid()))
	}
	if err != nil {
		log.Error().Err(err).Msg("host stopped")
		return err
	}
	log.Debug().Msg("host stopped")
	return nil
}
