// Package bus is the capture-phase event layer between the page and the
// decision engine. It installs exactly one native listener per event kind
// no matter how many handlers register, dispatches handlers in
// registration order with short-circuiting, and owns the approved-replay
// mechanism that lets a verdict-approved action reach the application
// exactly once without being re-intercepted.
package bus

import (
	"fmt"
	"io"
	"os"

	"pageshield/internal/page"
)

// Handler processes one captured event. Returning false stops the
// remaining handlers for this dispatch and cancels the native event
// (preventDefault + stopPropagation + stopImmediatePropagation).
type Handler func(*page.Event) bool

type registration struct {
	id int
	h  Handler
}

// Bus multiplexes registered handlers onto per-kind native listeners.
type Bus struct {
	tree     *page.Tree
	stderr   io.Writer
	nextID   int
	handlers map[page.EventKind][]registration

	// One native listener per kind, removed when its last handler
	// unregisters.
	removeNative map[page.EventKind]func()

	// Identity set of synthesized approved-replay events. Internal
	// marker: nothing outside this package can forge approval.
	approved map[*page.Event]struct{}
}

// New creates a bus over the given tree.
func New(tree *page.Tree) *Bus {
	return &Bus{
		tree:         tree,
		stderr:       os.Stderr,
		handlers:     make(map[page.EventKind][]registration),
		removeNative: make(map[page.EventKind]func()),
		approved:     make(map[*page.Event]struct{}),
	}
}

// SetStderr redirects diagnostic output.
func (b *Bus) SetStderr(w io.Writer) { b.stderr = w }

// Register adds a handler for the given event kind and returns its
// unregister func. The first handler for a kind installs the native
// listener; the last one to unregister removes it.
func (b *Bus) Register(kind page.EventKind, h Handler) func() {
	b.nextID++
	id := b.nextID
	if len(b.handlers[kind]) == 0 {
		b.removeNative[kind] = b.tree.AddListener(kind, func(ev *page.Event) {
			b.dispatch(kind, ev)
		})
	}
	b.handlers[kind] = append(b.handlers[kind], registration{id: id, h: h})

	return func() {
		regs := b.handlers[kind]
		for i, r := range regs {
			if r.id == id {
				b.handlers[kind] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		if len(b.handlers[kind]) == 0 {
			if remove := b.removeNative[kind]; remove != nil {
				remove()
				delete(b.removeNative, kind)
			}
		}
	}
}

// dispatch runs the handlers for one event in registration order. A panic
// inside one handler is caught and logged; the remaining handlers still
// run. A handler returning false cancels the native event and stops the
// chain.
func (b *Bus) dispatch(kind page.EventKind, ev *page.Event) {
	regs := make([]registration, len(b.handlers[kind]))
	copy(regs, b.handlers[kind])

	for _, r := range regs {
		proceed := b.safeCall(r.h, ev)
		if !proceed {
			ev.PreventDefault()
			ev.StopPropagation()
			ev.StopImmediatePropagation()
			break
		}
	}

	// A consumed replay marker must not outlive its dispatch.
	delete(b.approved, ev)
}

func (b *Bus) safeCall(h Handler, ev *page.Event) (proceed bool) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(b.stderr, "[PageShield] handler panic on %s: %v\n", ev.Kind, r)
			proceed = true
		}
	}()
	return h(ev)
}

// SynthesizeApprovedReplay builds a same-kind event carrying the internal
// pre-approved marker. Dispatching it lets the action flow through the
// normal application path; handlers recognize it via IsApprovedReplay and
// pass it through without re-analysis.
func (b *Bus) SynthesizeApprovedReplay(orig *page.Event) *page.Event {
	replay := &page.Event{
		Kind:   orig.Kind,
		Target: orig.Target,
		Key:    orig.Key,
		Files:  orig.Files,
	}
	b.approved[replay] = struct{}{}
	return replay
}

// ApproveClick synthesizes an approved click on the given node. Used when
// the original action was a confirm keypress and the replay path activates
// the page's own submit trigger.
func (b *Bus) ApproveClick(target *page.Node) *page.Event {
	replay := &page.Event{Kind: page.EventClick, Target: target}
	b.approved[replay] = struct{}{}
	return replay
}

// ApproveSubmit synthesizes an approved submit on the given form node.
func (b *Bus) ApproveSubmit(form *page.Node) *page.Event {
	replay := &page.Event{Kind: page.EventSubmit, Target: form}
	b.approved[replay] = struct{}{}
	return replay
}

// IsApprovedReplay reports whether the event was synthesized by this bus
// as a pre-approved replay.
func (b *Bus) IsApprovedReplay(ev *page.Event) bool {
	_, ok := b.approved[ev]
	return ok
}
