package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"
)

// AuditEvent is one security event pushed to the remote audit endpoint.
type AuditEvent struct {
	EventType     string                 `json:"event_type"`
	Severity      string                 `json:"severity"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ClientID      string                 `json:"client_id,omitempty"`
	MSPID         string                 `json:"msp_id,omitempty"`
}

// LogAuditEvent submits an event to the remote audit endpoint. Fire and
// forget: errors are swallowed (failed events are queued for a later
// Flush) and repeated identical events are rate-limited to once per hour
// per (category, message) key so a stuck page cannot cause an audit storm.
func (c *Client) LogAuditEvent(ctx context.Context, ev AuditEvent) {
	if !c.allowAuditEvent(ev.EventType, ev.Message) {
		return
	}
	if ev.ClientID == "" {
		ev.ClientID = c.clientID
	}
	if ev.MSPID == "" {
		ev.MSPID = c.mspID
	}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.postJSON(ctx, "/api/v1/audit/events", ev, &resp, false); err != nil {
		fmt.Fprintf(c.stderr, "[PageShield] audit event queued after send failure: %v\n", err)
		c.queueMu.Lock()
		c.queued = append(c.queued, ev)
		c.persistQueueLocked()
		c.queueMu.Unlock()
	}
}

// FlushQueuedAuditEvents retries events that previously failed to send.
// Called on startup; the first event that fails again stops the retry and
// puts itself and everything after it back on the queue.
func (c *Client) FlushQueuedAuditEvents(ctx context.Context) {
	c.queueMu.Lock()
	pending := c.queued
	c.queued = nil
	c.queueMu.Unlock()

	for i, ev := range pending {
		var resp struct {
			Success bool `json:"success"`
		}
		if err := c.postJSON(ctx, "/api/v1/audit/events", ev, &resp, false); err != nil {
			c.queueMu.Lock()
			c.queued = append(c.queued, pending[i:]...)
			c.persistQueueLocked()
			c.queueMu.Unlock()
			return
		}
	}

	c.queueMu.Lock()
	c.persistQueueLocked()
	c.queueMu.Unlock()
}

// persistQueueLocked mirrors the retry queue to its storage so queued
// events survive a restart. Callers hold queueMu.
func (c *Client) persistQueueLocked() {
	if c.queueStore == nil {
		return
	}
	snapshot := make([]AuditEvent, len(c.queued))
	copy(snapshot, c.queued)
	if err := c.queueStore.SaveQueuedEvents(snapshot); err != nil {
		fmt.Fprintf(c.stderr, "[PageShield] persisting audit queue: %v\n", err)
	}
}

// QueuedAuditEvents reports how many events are waiting for retry.
func (c *Client) QueuedAuditEvents() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queued)
}

// QueueStorage persists the audit retry queue across restarts, so events
// that failed to send in one run are flushed on the next startup.
type QueueStorage interface {
	LoadQueuedEvents() ([]AuditEvent, error)
	SaveQueuedEvents(events []AuditEvent) error
}

// StateStore is the raw key/value surface the queue persists through.
// *auditlog.SQLiteStorage satisfies it.
type StateStore interface {
	LoadState(key string) ([]byte, error)
	SaveState(key string, value []byte) error
}

// queueStateKey is the state key the queued event array lives under.
const queueStateKey = "audit_queue"

// NewStateQueue stores the retry queue as one JSON document in a state
// store, alongside the audit log itself.
func NewStateQueue(store StateStore) QueueStorage {
	return &stateQueue{store: store}
}

type stateQueue struct {
	store StateStore
}

func (q *stateQueue) LoadQueuedEvents() ([]AuditEvent, error) {
	data, err := q.store.LoadState(queueStateKey)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var events []AuditEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parsing stored audit queue: %w", err)
	}
	return events, nil
}

func (q *stateQueue) SaveQueuedEvents(events []AuditEvent) error {
	if events == nil {
		events = []AuditEvent{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encoding audit queue: %w", err)
	}
	return q.store.SaveState(queueStateKey, data)
}

func (c *Client) allowAuditEvent(category, message string) bool {
	key := category + "|" + message
	c.limiterMu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(auditEventInterval), 1)
		c.limiters[key] = lim
	}
	c.limiterMu.Unlock()
	return lim.Allow()
}
