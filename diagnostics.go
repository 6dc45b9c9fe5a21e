package runspace

import (
	"time"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

// DiagnosticKind is the stream a diagnostic arrived on.
type DiagnosticKind string

const (
	Information DiagnosticKind = "information"
	Warning     DiagnosticKind = "warning"
	Error       DiagnosticKind = "error"
)

// Diagnostic is one out-of-band message of an invocation.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	// Cause names what raised an Error diagnostic, e.g. the failing command
	// or "terminating" for the fault that stopped the invocation.
	Cause string    `json:"cause,omitempty"`
	Time  time.Time `json:"time"`
}

// Diagnostics holds the diagnostics of one invocation, per stream and in
// arrival order.
type Diagnostics struct {
	Information []Diagnostic
	Warning     []Diagnostic
	Error       []Diagnostic

	all []Diagnostic
}

// Empty reports whether no diagnostic was collected.
func (d Diagnostics) Empty() bool {
	return len(d.all) == 0
}

// All returns every diagnostic in arrival order.
func (d Diagnostics) All() []Diagnostic {
	return append([]Diagnostic(nil), d.all...)
}

func (d *Diagnostics) add(diag Diagnostic) {
	switch diag.Kind {
	case Information:
		d.Information = append(d.Information, diag)
	case Warning:
		d.Warning = append(d.Warning, diag)
	case Error:
		d.Error = append(d.Error, diag)
	default:
		return
	}
	d.all = append(d.all, diag)
}

func (d Diagnostics) clone() Diagnostics {
	var out Diagnostics
	for _, diag := range d.all {
		out.add(diag)
	}
	return out
}

// diagnosticFromEvent converts a diagnostic engine event.
func diagnosticFromEvent(ev engine.Event) (Diagnostic, bool) {
	var kind DiagnosticKind
	switch ev.Kind {
	case engine.EventInformation:
		kind = Information
	case engine.EventWarning:
		kind = Warning
	case engine.EventError:
		kind = Error
	default:
		return Diagnostic{}, false
	}
	return Diagnostic{Kind: kind, Message: ev.Message, Cause: ev.Cause, Time: ev.Time}, true
}
