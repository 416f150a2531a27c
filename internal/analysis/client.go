package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every analysis request.
const DefaultTimeout = 30 * time.Second

// auditEventInterval is the minimum spacing between identical audit
// events, keyed by (category, message).
const auditEventInterval = time.Hour

// TokenSource yields the current bearer credential, if one is stored.
type TokenSource func() (token string, ok bool)

// Config holds client construction parameters.
type Config struct {
	// BaseURL of the remote analysis service, e.g. "https://api.example.com".
	BaseURL string

	// ClientID and MSPID are tenant identifiers attached to every request.
	ClientID string
	MSPID    string

	// Token supplies the bearer credential. Nil means no credential.
	Token TokenSource

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration

	// PollInterval and MaxPolls bound the malware-engine result polling.
	PollInterval time.Duration
	MaxPolls     int

	// Queue persists failed audit events across restarts. Nil keeps the
	// queue in memory only.
	Queue QueueStorage

	// Stderr is where diagnostics go. Defaults to os.Stderr.
	Stderr io.Writer
}

// Client talks to the remote analysis service.
type Client struct {
	http     *http.Client
	baseURL  string
	clientID string
	mspID    string
	token    TokenSource
	stderr   io.Writer

	pollInterval time.Duration
	maxPolls     int

	// Per (category|message) limiters for fire-and-forget audit events.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// Queue of audit events that failed to send, retried on Flush and
	// mirrored to queueStore when one is configured.
	queueMu    sync.Mutex
	queued     []AuditEvent
	queueStore QueueStorage

	// In-flight file scans by correlation id, for CANCEL_SCAN.
	scanMu sync.Mutex
	scans  map[string]context.CancelFunc
}

// New creates a client from the given configuration.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 10
	}
	c := &Client{
		http:         &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		mspID:        cfg.MSPID,
		token:        cfg.Token,
		stderr:       stderr,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		limiters:     make(map[string]*rate.Limiter),
		scans:        make(map[string]context.CancelFunc),
		queueStore:   cfg.Queue,
	}
	if c.queueStore != nil {
		queued, err := c.queueStore.LoadQueuedEvents()
		if err != nil {
			fmt.Fprintf(stderr, "[PageShield] loading audit queue: %v\n", err)
		} else {
			c.queued = queued
		}
	}
	return c
}

// promptResponse is the wire shape of POST /api/v1/analyze/prompt.
type promptResponse struct {
	IsThreats   bool   `json:"isThreats"`
	RiskLevel   string `json:"riskLevel"`
	Summary     string `json:"summary"`
	ShouldBlock bool   `json:"shouldBlock"`
	BlockReason string `json:"blockReason"`
	PII         *struct {
		Detected bool     `json:"detected"`
		Types    []string `json:"types"`
	} `json:"piiDetection"`
}

// AnalyzeText classifies a text payload. The correlation id threads the
// user action through every downstream log and audit call.
func (c *Client) AnalyzeText(ctx context.Context, text, correlationID string) (*Verdict, error) {
	body := map[string]string{
		"text":          text,
		"clientId":      c.clientID,
		"mspId":         c.mspID,
		"correlationId": correlationID,
	}
	var resp promptResponse
	if err := c.postJSON(ctx, "/api/v1/analyze/prompt", body, &resp, true); err != nil {
		return nil, err
	}

	v := &Verdict{
		Safe:           !resp.IsThreats,
		RiskLevel:      normalizeRisk(resp.RiskLevel),
		BlockReason:    resp.BlockReason,
		BlockRequested: resp.ShouldBlock,
	}
	if resp.Summary != "" {
		v.Reasons = append(v.Reasons, resp.Summary)
	}
	if resp.PII != nil {
		v.PII = &PIIFindings{Detected: resp.PII.Detected, Types: resp.PII.Types}
	}
	return v, nil
}

// TestConnectivity probes the service health endpoint. Best effort: any
// failure is simply false.
func (c *Client) TestConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	c.attachAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// postJSON posts a JSON body and decodes a JSON response, mapping every
// failure mode onto the error taxonomy. requireAuth endpoints fail with
// an explicit auth error when no credential is stored, without a network
// call.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}, requireAuth bool) error {
	if requireAuth && !c.hasToken() {
		return failure(FailureAuth, errors.New("no credential stored"))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return failure(FailureMalformed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return failure(FailureUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return failure(transportKind(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return failure(FailureAuth, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(FailureProtocol, fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(FailureMalformed, err)
	}
	if len(data) == 0 {
		return failure(FailureMalformed, errors.New("empty response body"))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure(FailureMalformed, err)
	}
	return nil
}

// transportKind separates timeouts from plain network failures.
func transportKind(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	return FailureUnreachable
}

func (c *Client) hasToken() bool {
	if c.token == nil {
		return false
	}
	_, ok := c.token()
	return ok
}

func (c *Client) attachAuth(req *http.Request) {
	if c.token == nil {
		return
	}
	if tok, ok := c.token(); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
