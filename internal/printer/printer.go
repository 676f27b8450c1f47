package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/herald/internal/statusstore"
	"github.com/dyluth/herald/pkg/events"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

const timeLayout = "15:04:05.000"

// Printer writes CLI output. Normal output goes to out, errors to err.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New creates a Printer with explicit destinations.
func New(out, err io.Writer) *Printer {
	return &Printer{out: out, err: err}
}

// Default prints to stdout and stderr.
func Default() *Printer {
	return New(os.Stdout, os.Stderr)
}

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.err, msg)
}

// Printf prints a plain formatted message
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Error prints a formatted error with title, explanation, context details and
// suggestions to stderr, and returns a simple error for Cobra
func (p *Printer) Error(title, explanation string, context map[string]string, suggestions ...string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(p.err, "\n")
		for _, k := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(p.err, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.err, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.err, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.err, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Returned error is not printed again (SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Delivery prints one line per received delivery:
// time, message type, routing key, summary and message id.
func (p *Printer) Delivery(d *messaging.DeliveryContext) {
	fmt.Fprintf(p.out, "%s %-20s %-40s %s %s\n",
		faint.Sprint(d.UpdatedTime.Format(timeLayout)),
		d.MessageType,
		d.RoutingKey,
		Summary(d.Event),
		faint.Sprint(d.MessageID),
	)
}

// Record prints one stored status.
func (p *Printer) Record(r *statusstore.Record) {
	fmt.Fprintf(p.out, "%-10s %-24s %s %s\n",
		r.Entity,
		r.ID,
		stateColor(r.State).Sprint(r.State),
		faint.Sprint(r.UpdatedAt().Format("2006-01-02 "+timeLayout)),
	)
}

// Timeline prints an entity's recorded state changes, oldest first.
func (p *Printer) Timeline(entries []statusstore.TimelineEntry) {
	for _, e := range entries {
		r := statusstore.Record{State: e.State, UpdatedAtMs: e.UpdatedAtMs}
		fmt.Fprintf(p.out, "  %s %s %s\n",
			faint.Sprint(r.UpdatedAt().Format(timeLayout)),
			stateColor(e.State).Sprint(e.State),
			faint.Sprint(e.MessageID),
		)
	}
}

// Summary describes an event in a few words: the new state for status
// changes, the target for commands.
func Summary(e events.Event) string {
	switch ev := e.(type) {
	case *events.ExperimentStatusChange:
		return stateColor(string(ev.State)).Sprint(ev.State)
	case *events.ProcessStatusChange:
		return stateColor(string(ev.State)).Sprint(ev.State)
	case *events.TaskStatusChange:
		return stateColor(string(ev.State)).Sprint(ev.State)
	case *events.JobStatusChange:
		return stateColor(string(ev.State)).Sprint(ev.State)
	case *events.ProcessSubmit:
		return "submit process " + ev.ProcessID
	case *events.ProcessTerminate:
		return "terminate process " + ev.ProcessID
	case *events.TaskOutputChange:
		return fmt.Sprintf("%d output(s) from task %s", len(ev.Output), ev.TaskID)
	case *events.ExperimentSubmit:
		return "experiment " + ev.ExperimentID
	case *events.ExperimentIntermediateOutputs:
		return fmt.Sprintf("fetch %s from experiment %s", strings.Join(ev.OutputNames, ","), ev.ExperimentID)
	case nil:
		return "<undecoded>"
	default:
		return fmt.Sprintf("%T", e)
	}
}

func stateColor(state string) *color.Color {
	switch {
	case state == "COMPLETED" || state == "COMPLETE":
		return green
	case strings.Contains(state, "FAIL"):
		return red
	case strings.HasPrefix(state, "CANCEL"):
		return yellow
	default:
		return cyan
	}
}
