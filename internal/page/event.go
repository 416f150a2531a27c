package page

// EventKind names one interaction event kind. The interception layer
// installs capture-phase listeners for a fixed set of these.
type EventKind string

const (
	EventClick   EventKind = "click"
	EventKeyDown EventKind = "keydown"
	EventChange  EventKind = "change"
	EventDrop    EventKind = "drop"
	EventPaste   EventKind = "paste"
	EventSubmit  EventKind = "submit"
)

// Event is a single interaction event raised against a node.
type Event struct {
	Kind   EventKind
	Target *Node

	// Key is set for keydown events (e.g. "Enter").
	Key string

	// Files carries the file set for change/drop/paste events on a
	// file-entry surface.
	Files []File

	defaultPrevented   bool
	propagationStopped bool
}

// PreventDefault suppresses the target's application-side behavior.
func (e *Event) PreventDefault() { e.defaultPrevented = true }

// StopPropagation stops delivery to the remaining capture listeners.
func (e *Event) StopPropagation() { e.propagationStopped = true }

// StopImmediatePropagation stops delivery to all remaining listeners.
// In this model capture listeners are the only listeners, so the effect
// matches StopPropagation.
func (e *Event) StopImmediatePropagation() { e.propagationStopped = true }

// DefaultPrevented reports whether PreventDefault has been called.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }
