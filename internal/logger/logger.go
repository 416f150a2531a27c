// Package logger writes the gateway's local verdict log as JSONL, one
// line per decision, with credential redaction applied before anything
// touches disk. This is the operator-facing trail on the machine running
// the gateway; the bounded audit store is the UI-facing one.
package logger

import (
	"encoding/json"
	"os"
	"sync"

	"pageshield/internal/redact"
)

// VerdictEvent is one logged decision.
type VerdictEvent struct {
	Timestamp     string                 `json:"timestamp"`
	Kind          string                 `json:"kind"`
	Decision      string                 `json:"decision"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	RiskLevel     string                 `json:"risk_level,omitempty"`
	Reasons       []string               `json:"reasons,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// VerdictLogger appends verdict events to a JSONL file.
type VerdictLogger struct {
	file *os.File
	mu   sync.Mutex
}

// New opens (or creates) the verdict log at path.
func New(path string) (*VerdictLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &VerdictLogger{file: file}, nil
}

// Log redacts and appends one event.
func (l *VerdictLogger) Log(event VerdictEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Message = redact.Redact(event.Message)
	event.Details = redact.RedactDetails(event.Details)
	for i, r := range event.Reasons {
		event.Reasons[i] = redact.Redact(r)
	}
	if event.Error != "" {
		event.Error = redact.Redact(event.Error)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = l.file.Write(data)
	return err
}

// Close releases the underlying file.
func (l *VerdictLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
