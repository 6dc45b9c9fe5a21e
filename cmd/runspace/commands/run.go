package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	runspace "github.com/telnet2/go-practice/go-runspace"
	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/config"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
)

var (
	runTransport   string
	runParams      []string
	runFilters     []string
	runCommand     string
	runCommandFile string
	runHostPath    string
	runFormat      string
	runNoColor     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured command and apply its filters",
	Long: `Execute a command in a fresh engine session, then apply each filter to
its results inside the same session.

Examples:
  runspace run
  runspace run --transport pipes --filter '.Number == 1'
  runspace run --command 'emit "Name=$Name"' --param Name=pwsh
  runspace run --command-file script.sh --format json`,
	Args: cobra.NoArgs,
	RunE: runExecute,
}

func init() {
	runCmd.Flags().StringVarP(&runTransport, "transport", "t", "", "Transport (inprocess|pipes|named)")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Parameter as name=value; JSON values keep their type")
	runCmd.Flags().StringArrayVarP(&runFilters, "filter", "f", nil, "Filter expression, replaces configured filters")
	runCmd.Flags().StringVarP(&runCommand, "command", "c", "", "Command body")
	runCmd.Flags().StringVar(&runCommandFile, "command-file", "", "Read the command body from a file")
	runCmd.Flags().StringVar(&runHostPath, "host-path", "", "Path to runspace-host")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable coloured output")
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Init(logCfg)
	if cfg.Source != "" {
		logging.Debug().Str("path", cfg.Source).Msg("configuration loaded")
	}

	oc, err := cfg.Orchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := runspace.NewOrchestrator(oc).Execute(ctx, cfg.Parameters)
	if err != nil {
		return err
	}

	if runNoColor {
		color.NoColor = true
	}
	switch runFormat {
	case "json":
		err = writeJSON(cmd.OutOrStdout(), outcome)
	default:
		err = writeText(cmd.OutOrStdout(), cmd.ErrOrStderr(), outcome)
	}
	if err != nil {
		return err
	}
	return outcome.Err()
}

// applyRunFlags layers explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = runTransport
	}
	if flags.Changed("host-path") {
		cfg.HostPath = runHostPath
	}
	if flags.Changed("filter") {
		cfg.Filters = runFilters
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}

	switch {
	case runCommandFile != "":
		data, err := os.ReadFile(runCommandFile)
		if err != nil {
			return fmt.Errorf("failed to read command file: %w", err)
		}
		cfg.Command = string(data)
	case runCommand != "":
		cfg.Command = runCommand
	}

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	if len(params) > 0 && cfg.Parameters == nil {
		cfg.Parameters = make(map[string]any, len(params))
	}
	for k, v := range params {
		cfg.Parameters[k] = v
	}

	switch runFormat {
	case "default", "json":
	default:
		return fmt.Errorf("unknown output format %q", runFormat)
	}
	return nil
}

// parseParams turns name=value pairs into parameters.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || !engine.ValidName(name) {
			return nil, &runspace.ConfigurationError{Field: "param", Value: pair, Err: runspace.ErrInvalidCommand}
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[name] = value
	}
	return params, nil
}

type jsonFilter struct {
	Expression  string                `json:"expression"`
	Results     []engine.Record       `json:"results"`
	Diagnostics []runspace.Diagnostic `json:"diagnostics,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type jsonOutcome struct {
	Session     string                `json:"session"`
	Transport   string                `json:"transport"`
	Results     []engine.Record       `json:"results"`
	Diagnostics []runspace.Diagnostic `json:"diagnostics,omitempty"`
	Error       string                `json:"error,omitempty"`
	Filters     []jsonFilter          `json:"filters,omitempty"`
}

func records(rs *runspace.ResultSet) []engine.Record {
	if rs == nil {
		return []engine.Record{}
	}
	return rs.Records()
}

func writeJSON(w io.Writer, o *runspace.Outcome) error {
	out := jsonOutcome{
		Session:     o.SessionID,
		Transport:   o.Transport.String(),
		Results:     records(o.Results),
		Diagnostics: o.Diagnostics.All(),
	}
	if o.InvocationErr != nil {
		out.Error = o.InvocationErr.Error()
	}
	for _, f := range o.Filters {
		jf := jsonFilter{
			Expression:  f.Expression,
			Results:     records(f.Results),
			Diagnostics: f.Diagnostics.All(),
		}
		if f.Err != nil {
			jf.Error = f.Err.Error()
		}
		out.Filters = append(out.Filters, jf)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	mutedColor  = color.New(color.FgHiBlack)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

func writeText(w, errW io.Writer, o *runspace.Outcome) error {
	total := len(records(o.Results))
	fmt.Fprintln(w, headerColor.Sprintf("Results (%d)", total))
	if err := writeRecords(w, o.Results); err != nil {
		return err
	}
	writeDiagnostics(errW, o.Diagnostics)
	if o.InvocationErr != nil {
		fmt.Fprintln(errW, errorColor.Sprintf("error: %v", o.InvocationErr))
	}

	for _, f := range o.Filters {
		fmt.Fprintln(w, headerColor.Sprintf("Filter used: %s", f.Expression))
		writeDiagnostics(errW, f.Diagnostics)
		if f.Err != nil {
			fmt.Fprintln(errW, errorColor.Sprintf("error: %v", f.Err))
			continue
		}
		fmt.Fprintln(w, mutedColor.Sprintf("%d of %d records", len(records(f.Results)), total))
		if err := writeRecords(w, f.Results); err != nil {
			return err
		}
	}
	return nil
}

func writeRecords(w io.Writer, rs *runspace.ResultSet) error {
	if rs == nil {
		return nil
	}
	for _, rec := range rs.Records() {
		if err := engine.EncodeRecord(w, rec); err != nil {
			return err
		}
	}
	return nil
}

func writeDiagnostics(w io.Writer, diags runspace.Diagnostics) {
	for _, d := range diags.All() {
		switch d.Kind {
		case runspace.Information:
			fmt.Fprintln(w, mutedColor.Sprintf("info: %s", d.Message))
		case runspace.Warning:
			fmt.Fprintln(w, warnColor.Sprintf("warning: %s", d.Message))
		case runspace.Error:
			fmt.Fprintln(w, errorColor.Sprintf("error: %s", d.Message))
		}
	}
}
