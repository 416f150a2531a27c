// Package watcher keeps the interception bindings alive on a page whose
// structure mutates over time. Every batch of inserted nodes is scanned
// for new interaction targets; bindings are idempotent via an identity
// arena of already-bound node ids, so re-processing the same subtree never
// double-binds an element. The arena tracks only ids: it never owns a
// node's lifecycle and never keeps a removed element alive.
package watcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pageshield/internal/lock"
	"pageshield/internal/page"
	"pageshield/internal/registry"
)

// Config wires the watcher's collaborators.
type Config struct {
	Tree     *page.Tree
	Registry *registry.Registry
	Lock     *lock.Lock

	// Ready reports whether the engine has completed its readiness
	// transition. Submit triggers inserted before that are disabled.
	Ready func() bool

	// Bind attaches the submission-on-confirm binding to a newly
	// discovered text surface. Called exactly once per node identity.
	Bind func(*page.Node)

	// NotReadyReason is the hint shown on triggers disabled before
	// readiness.
	NotReadyReason string

	// PollInterval and MaxPolls bound the wait for the tree root to
	// exist before installation.
	PollInterval time.Duration
	MaxPolls     int

	Stderr io.Writer
}

// Watcher observes tree mutations and re-registers bindings on inserted
// subtrees.
type Watcher struct {
	cfg         Config
	bound       map[page.NodeID]struct{}
	unsubscribe func()
	stderr      io.Writer
}

// New creates a watcher from the given configuration.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 50
	}
	if cfg.NotReadyReason == "" {
		cfg.NotReadyReason = "PageShield is initializing"
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Watcher{
		cfg:    cfg,
		bound:  make(map[page.NodeID]struct{}),
		stderr: stderr,
	}
}

// Install waits (bounded polling, no busy loop) for the tree root to
// exist, processes the current tree once, and subscribes to future
// mutation batches. Fails if the root never appears within the poll
// budget.
func (w *Watcher) Install() error {
	for attempt := 0; w.cfg.Tree.Root() == nil; attempt++ {
		if attempt >= w.cfg.MaxPolls {
			return errors.New("surface tree root never appeared")
		}
		time.Sleep(w.cfg.PollInterval)
	}

	w.processSubtree(w.cfg.Tree.Root())
	w.unsubscribe = w.cfg.Tree.Subscribe(w.handleMutation)
	return nil
}

// Uninstall stops observing mutations. Bound state is kept: bindings on
// still-attached nodes stay valid.
func (w *Watcher) Uninstall() {
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
}

// Bound reports whether the node already carries the confirm binding.
func (w *Watcher) Bound(n *page.Node) bool {
	_, ok := w.bound[n.ID()]
	return ok
}

// BoundCount returns the number of bound node identities.
func (w *Watcher) BoundCount() int { return len(w.bound) }

func (w *Watcher) handleMutation(m page.Mutation) {
	for _, root := range m.Inserted {
		w.processSubtree(root)
	}
	for _, root := range m.Removed {
		w.forgetSubtree(root)
	}
}

// processSubtree applies both watcher duties to one inserted subtree:
// disable submit triggers that appeared before readiness, and bind every
// newly discovered text surface exactly once.
func (w *Watcher) processSubtree(root *page.Node) {
	if root == nil {
		return
	}

	if w.cfg.Ready != nil && !w.cfg.Ready() {
		for _, trigger := range w.cfg.Registry.SubmitTriggersIn(root) {
			w.cfg.Lock.Disable(trigger, w.cfg.NotReadyReason)
		}
	}

	for _, surface := range w.cfg.Registry.TextSurfacesIn(root) {
		if _, ok := w.bound[surface.ID()]; ok {
			continue
		}
		w.bound[surface.ID()] = struct{}{}
		if w.cfg.Bind != nil {
			w.cfg.Bind(surface)
		}
		fmt.Fprintf(w.stderr, "[PageShield] bound confirm handler to %s\n", surface)
	}
}

// forgetSubtree drops arena ids for removed nodes. Removal is the only
// cleanup a binding needs; the arena must not pin detached elements.
func (w *Watcher) forgetSubtree(root *page.Node) {
	root.Walk(func(n *page.Node) bool {
		delete(w.bound, n.ID())
		return true
	})
}
