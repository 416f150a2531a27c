// Package engine is the decision pipeline: it turns an intercepted
// submission action into an ALLOW or BLOCK verdict by calling the remote
// analysis service, with strict fail-closed semantics. One Engine instance
// owns the registry, lock, bus, and watcher for the lifetime of a page
// session; the audit store and analysis client are process-wide and
// injected.
//
// No payload reaches the underlying application without a completed
// verdict: the original event is always cancelled, and an ALLOW verdict
// re-enters the application path only through the bus's approved-replay
// mechanism.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"pageshield/internal/analysis"
	"pageshield/internal/auditlog"
	"pageshield/internal/bus"
	"pageshield/internal/lock"
	"pageshield/internal/notify"
	"pageshield/internal/page"
	"pageshield/internal/registry"
	"pageshield/internal/watcher"
)

// State of the engine. The transition is one-way and happens once per
// page session.
type State int

const (
	StateNotReady State = iota
	StateReady
)

// Analyzer is the slice of the analysis client the engine depends on.
// Tests substitute a fake; *analysis.Client satisfies it.
type Analyzer interface {
	AnalyzeText(ctx context.Context, text, correlationID string) (*analysis.Verdict, error)
	AnalyzeFile(ctx context.Context, f page.File, correlationID string) (*analysis.Verdict, error)
	TestConnectivity(ctx context.Context) bool
	LogAuditEvent(ctx context.Context, ev analysis.AuditEvent)
}

// Config wires an engine to its collaborators and numeric policies.
type Config struct {
	Tree     *page.Tree
	Analyzer Analyzer
	Store    *auditlog.Store
	Notifier notify.Sink

	// Enabled reports the operator's on/off switch. When it returns
	// false every action passes through unmodified: fail-open only when
	// explicitly turned off.
	Enabled func() bool

	// ConfirmKey is the keypress that submits a text surface.
	// Defaults to "Enter".
	ConfirmKey string

	// MinTextLength is the shortest payload ever analyzed. Defaults to 5.
	MinTextLength int

	// MaxFileBytes is the local file-size ceiling. Defaults to 32 MB.
	MaxFileBytes int64

	// RequestTimeout bounds one analysis call. Defaults to 30s.
	RequestTimeout time.Duration

	// Cooldown is how long duplicate triggers are absorbed after an
	// analysis completes. Defaults to 750ms.
	Cooldown time.Duration

	Stderr io.Writer
}

// Engine is the interception and decision engine for one page session.
type Engine struct {
	cfg      Config
	tree     *page.Tree
	registry *registry.Registry
	lock     *lock.Lock
	bus      *bus.Bus
	watcher  *watcher.Watcher
	stderr   io.Writer

	state State

	// Single-flight guard, keyed by surface identity.
	inflight map[page.NodeID]bool
	coolOff  map[page.NodeID]time.Time

	unregister []func()
	now        func() time.Time
}

const initializingNotice = "PageShield is initializing"

// New creates an engine. Start must be called before it intercepts
// anything.
func New(cfg Config) *Engine {
	if cfg.ConfirmKey == "" {
		cfg.ConfirmKey = "Enter"
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 5
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 32 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = analysis.DefaultTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 750 * time.Millisecond
	}
	if cfg.Enabled == nil {
		cfg.Enabled = func() bool { return true }
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.WriterSink{W: os.Stderr}
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	reg := registry.New(cfg.Tree)
	lk := lock.New(cfg.Tree, reg)
	lk.SetStderr(stderr)
	b := bus.New(cfg.Tree)
	b.SetStderr(stderr)

	e := &Engine{
		cfg:      cfg,
		tree:     cfg.Tree,
		registry: reg,
		lock:     lk,
		bus:      b,
		stderr:   stderr,
		state:    StateNotReady,
		inflight: make(map[page.NodeID]bool),
		coolOff:  make(map[page.NodeID]time.Time),
		now:      time.Now,
	}
	e.watcher = watcher.New(watcher.Config{
		Tree:           cfg.Tree,
		Registry:       reg,
		Lock:           lk,
		Ready:          func() bool { return e.state == StateReady },
		Bind:           e.bindSurface,
		NotReadyReason: initializingNotice,
		Stderr:         stderr,
	})
	return e
}

// Registry exposes the engine's target registry (viewing and tests).
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Bus exposes the engine's capture bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Lock exposes the engine's interaction lock.
func (e *Engine) Lock() *lock.Lock { return e.lock }

// Watcher exposes the engine's change watcher.
func (e *Engine) Watcher() *watcher.Watcher { return e.watcher }

// State returns the engine's readiness state.
func (e *Engine) State() State { return e.state }

// Start installs the interception layer and performs the one-way
// NOT_READY -> READY transition. Readiness is a purely local check; the
// connectivity probe runs in parallel and never gates it. Local
// protection activates immediately even when the backend is down; the
// analysis step itself stays backend-dependent per action.
func (e *Engine) Start() error {
	e.unregister = append(e.unregister,
		e.bus.Register(page.EventClick, e.handleClick),
		e.bus.Register(page.EventKeyDown, e.handleKeyDown),
		e.bus.Register(page.EventChange, e.handleFileEvent),
		e.bus.Register(page.EventDrop, e.handleFileEvent),
		e.bus.Register(page.EventPaste, e.handleFileEvent),
	)

	e.lock.DisableAll(initializingNotice)

	if err := e.watcher.Install(); err != nil {
		return fmt.Errorf("installing change watcher: %w", err)
	}

	// Local readiness: the tree root exists (the watcher's bounded poll
	// guaranteed it above).
	e.state = StateReady
	e.lock.EnableAll()
	fmt.Fprintf(e.stderr, "[PageShield] ready, interception active\n")

	// Best-effort probe, reported but never awaited.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if e.cfg.Analyzer.TestConnectivity(ctx) {
			fmt.Fprintf(e.stderr, "[PageShield] backend reachable\n")
		} else {
			fmt.Fprintf(e.stderr, "[PageShield] backend unreachable, actions will fail closed\n")
		}
	}()

	return nil
}

// Stop removes the interception layer and restores disabled targets.
func (e *Engine) Stop() {
	for _, un := range e.unregister {
		un()
	}
	e.unregister = nil
	e.watcher.Uninstall()
	e.lock.EnableAll()
}

// bindSurface is the watcher's per-surface confirm binding. The bus
// already captures keydown globally; binding records that this surface
// participates in confirm-to-submit.
func (e *Engine) bindSurface(n *page.Node) {
	// Identity membership lives in the watcher; nothing else to attach.
	_ = n
}

// guard applies the shared pre-analysis checks (pass-through and local
// blocking rules). The returned verdictNeeded is false when the event has
// been fully handled; proceed carries the handler's return value.
func (e *Engine) guard(ev *page.Event) (verdictNeeded, proceed bool) {
	// Operator off-switch: pass everything through unmodified.
	if !e.cfg.Enabled() {
		return false, true
	}

	// Readiness gates everything else: before READY every action is
	// blocked with the initializing notice, locked targets included.
	if e.state == StateNotReady {
		e.cfg.Notifier.Notify(notify.Notice{
			Severity: notify.SeverityInfo,
			Title:    "Please wait",
			Message:  initializingNotice,
		})
		return false, false
	}

	// Approved replays and locked targets pass without re-analysis.
	if e.bus.IsApprovedReplay(ev) {
		return false, true
	}
	if ev.Target != nil && e.lock.Disabled(ev.Target) {
		return false, true
	}

	return true, false
}

// tryAcquire takes the single-flight lock for a surface. A trigger
// arriving while an analysis is in flight, or within the cooldown after
// one completed, is dropped (not queued).
func (e *Engine) tryAcquire(surface page.NodeID) bool {
	if e.inflight[surface] {
		return false
	}
	if until, ok := e.coolOff[surface]; ok && e.now().Before(until) {
		return false
	}
	e.inflight[surface] = true
	return true
}

// release frees the single-flight lock and starts the cooldown that
// absorbs duplicate native events such as key repeats.
func (e *Engine) release(surface page.NodeID) {
	e.inflight[surface] = false
	e.coolOff[surface] = e.now().Add(e.cfg.Cooldown)
}

// firstNonEmptyTextSurface returns the payload source for a text action.
func (e *Engine) firstNonEmptyTextSurface() *page.Node {
	for _, s := range e.registry.TextSurfaces() {
		if s.Text() != "" {
			return s
		}
	}
	return nil
}
