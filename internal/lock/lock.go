// Package lock disables and re-enables interaction targets while the
// engine is initializing or an analysis is in flight. Disabling snapshots
// the target's interactive-state attributes so that enabling restores the
// element exactly as the page rendered it.
package lock

import (
	"fmt"
	"io"
	"os"
	"time"

	"pageshield/internal/page"
	"pageshield/internal/registry"
)

// Attributes touched when a target is disabled. Original values (or their
// absence) are snapshotted per target and restored on enable.
var managedAttrs = []string{"disabled", "aria-disabled", "title"}

const disabledMarker = "data-pageshield-disabled"

type snapshot struct {
	node   *page.Node
	attrs  map[string]*string // nil value = attribute was absent
	reason string
}

// Lock tracks disabled targets and their pre-disable state. A target is
// never disabled twice without an intervening enable; the second disable
// is a no-op so the snapshot always holds the page's own values.
type Lock struct {
	registry *registry.Registry
	tree     *page.Tree
	states   map[page.NodeID]snapshot
	stderr   io.Writer

	// Rediscovery retry for DisableAll on a still-loading tree.
	retryAttempts int
	retryDelay    time.Duration
}

// New creates a lock over the given tree and registry.
func New(tree *page.Tree, reg *registry.Registry) *Lock {
	return &Lock{
		registry:      reg,
		tree:          tree,
		states:        make(map[page.NodeID]snapshot),
		stderr:        os.Stderr,
		retryAttempts: 5,
		retryDelay:    200 * time.Millisecond,
	}
}

// SetStderr redirects diagnostic output.
func (l *Lock) SetStderr(w io.Writer) { l.stderr = w }

// SetRetry adjusts the bounded rediscovery retry used by DisableAll.
func (l *Lock) SetRetry(attempts int, delay time.Duration) {
	l.retryAttempts = attempts
	l.retryDelay = delay
}

// Disable snapshots the target's interactive state and applies a disabled
// state carrying reason as a user-visible hint. No-op if already disabled.
func (l *Lock) Disable(n *page.Node, reason string) {
	if _, ok := l.states[n.ID()]; ok {
		return
	}
	snap := snapshot{node: n, attrs: make(map[string]*string, len(managedAttrs)), reason: reason}
	for _, name := range managedAttrs {
		if v, ok := n.Attr(name); ok {
			v := v
			snap.attrs[name] = &v
		} else {
			snap.attrs[name] = nil
		}
	}
	l.states[n.ID()] = snap

	n.SetAttr("disabled", "true")
	n.SetAttr("aria-disabled", "true")
	n.SetAttr("title", reason)
	n.SetAttr(disabledMarker, reason)
}

// Enable restores the target's snapshotted state and forgets it. No-op if
// the target is not tracked.
func (l *Lock) Enable(n *page.Node) {
	snap, ok := l.states[n.ID()]
	if !ok {
		return
	}
	for name, orig := range snap.attrs {
		if orig == nil {
			n.RemoveAttr(name)
		} else {
			n.SetAttr(name, *orig)
		}
	}
	n.RemoveAttr(disabledMarker)
	delete(l.states, n.ID())
}

// Disabled reports whether the target is currently disabled by this lock.
func (l *Lock) Disabled(n *page.Node) bool {
	_, ok := l.states[n.ID()]
	return ok
}

// DisableAll disables every currently-discoverable submit trigger. If none
// are found while the tree is still loading, discovery is retried a
// bounded number of times; a page that renders late is the common case on
// single-page applications.
func (l *Lock) DisableAll(reason string) int {
	targets := l.registry.SubmitTriggers()
	for attempt := 0; len(targets) == 0 && l.tree.Loading() && attempt < l.retryAttempts; attempt++ {
		time.Sleep(l.retryDelay)
		targets = l.registry.SubmitTriggers()
	}
	if len(targets) == 0 {
		fmt.Fprintf(l.stderr, "[PageShield] no submit triggers found to disable\n")
		return 0
	}
	for _, n := range targets {
		l.Disable(n, reason)
	}
	return len(targets)
}

// EnableAll re-enables every tracked target. The tracked set is empty
// afterwards.
func (l *Lock) EnableAll() {
	for _, snap := range l.states {
		l.Enable(snap.node)
	}
}

// Tracked returns the number of currently disabled targets.
func (l *Lock) Tracked() int { return len(l.states) }
