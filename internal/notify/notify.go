// Package notify defines the notification sink the decision engine reports
// verdicts through. The sink is injected at construction time so the
// engine never reaches into a collaborator's internals to surface UI
// notices.
package notify

import (
	"fmt"
	"io"
)

// Severity of a user-facing notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is one short human-readable message shown to the user.
type Notice struct {
	Severity Severity
	Title    string
	Message  string
}

// Sink receives notices. Implementations must not block.
type Sink interface {
	Notify(Notice)
}

// WriterSink prints notices to a writer, one per line.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Notify(n Notice) {
	fmt.Fprintf(s.W, "[PageShield] %s: %s (%s)\n", n.Severity, n.Title, n.Message)
}

// FuncSink adapts a function to the Sink interface.
type FuncSink func(Notice)

func (f FuncSink) Notify(n Notice) { f(n) }

// MultiSink fans a notice out to several sinks.
type MultiSink []Sink

func (m MultiSink) Notify(n Notice) {
	for _, s := range m {
		s.Notify(n)
	}
}
