package runspace

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

// DefaultCommand emits a few numbered records; it is what runs when no
// command is configured.
const DefaultCommand = `for i in 1 2 3 4; do
  emit "Number=$(( (i + 1) % 2 + 1 ))" "Name=item$i"
done`

// DefaultFilter keeps the records whose Number is 1.
const DefaultFilter = ".Number == 1"

var prepareOnce sync.Once

// PrepareProcess applies the process-wide engine settings. It must run
// before the first channel is opened and only has an effect once;
// Orchestrator.Execute calls it.
func PrepareProcess() {
	prepareOnce.Do(func() {
		os.Setenv(engine.LoadDefaultDriveEnv, "0")
	})
}

// Config drives an Orchestrator.
type Config struct {
	// Transport selects how the engine is reached.
	Transport transport.Kind
	// Options configures the channel.
	Options transport.Options
	// Command is the body submitted first. Defaults to DefaultCommand.
	Command string
	// Filters are applied, each to the original results, when those are
	// non-empty.
	Filters []string
}

// FilterOutcome is the result of one filter step.
type FilterOutcome struct {
	Expression  string
	Results     *ResultSet
	Diagnostics Diagnostics
	Err         error
}

// Outcome records everything an execution produced.
type Outcome struct {
	SessionID   string
	Transport   transport.Kind
	Results     *ResultSet
	Diagnostics Diagnostics
	// InvocationErr is set when the command hit a terminating fault.
	InvocationErr error
	Filters       []FilterOutcome
}

// Err joins the invocation and filter errors recorded in the outcome.
func (o *Outcome) Err() error {
	errs := []error{o.InvocationErr}
	for _, f := range o.Filters {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Orchestrator runs the execute-then-filter protocol on a fresh session.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

// NewOrchestrator creates an orchestrator for cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	return &Orchestrator{cfg: cfg, log: logging.Component("orchestrator")}
}

// Execute opens a session, submits the configured command with params and
// filters the results. Invocation and filter failures are logged and
// recorded in the Outcome; the returned error covers only failures to
// reach the engine, bad configuration, and cancellation. The session is
// closed on every path.
func (o *Orchestrator) Execute(ctx context.Context, params map[string]any) (*Outcome, error) {
	PrepareProcess()

	cmd := NewCommand(o.cfg.Command, params)
	if err := cmd.Validate(); err != nil {
		return nil, &ConfigurationError{Field: "parameters", Value: strings.Join(cmd.ParameterNames(), ","), Err: err}
	}

	session, err := OpenSession(ctx, o.cfg.Transport, o.cfg.Options)
	if err != nil {
		o.log.Error().Err(err).Str("transport", o.cfg.Transport.String()).Msg("open session failed")
		return nil, err
	}
	defer session.Close()

	outcome := &Outcome{SessionID: session.ID(), Transport: session.Kind()}
	log := o.log.With().Str("session", session.ID()).Logger()

	results, err := session.Submit(ctx, cmd)
	outcome.Diagnostics = session.Diagnostics()
	reportDiagnostics(log, outcome.Diagnostics)
	if err != nil {
		var invErr *InvocationError
		if !errors.As(err, &invErr) {
			return outcome, err
		}
		log.Error().Err(err).Msg("command failed")
		outcome.InvocationErr = err
		outcome.Results = invErr.Partial
		return outcome, nil
	}
	outcome.Results = results
	log.Info().Int("results", results.Len()).Msg("command completed")

	if results.Len() == 0 {
		return outcome, nil
	}
	for _, expr := range o.cfg.Filters {
		filtered, err := Filter(ctx, session, results, expr)
		fo := FilterOutcome{Expression: expr, Results: filtered, Diagnostics: session.Diagnostics(), Err: err}
		reportDiagnostics(log, fo.Diagnostics)
		if err != nil {
			var filterErr *FilterError
			if !errors.As(err, &filterErr) {
				return outcome, err
			}
			log.Error().Err(err).Msg("filter failed")
		}
		outcome.Filters = append(outcome.Filters, fo)
	}
	return outcome, nil
}

func reportDiagnostics(log zerolog.Logger, diags Diagnostics) {
	for _, d := range diags.All() {
		switch d.Kind {
		case Information:
			log.Info().Str("stream", string(d.Kind)).Msg(d.Message)
		case Warning:
			log.Warn().Str("stream", string(d.Kind)).Msg(d.Message)
		case Error:
			log.Error().Str("stream", string(d.Kind)).Str("cause", d.Cause).Msg(d.Message)
		}
	}
}
