package page

// Mutation describes one batch of structural changes to the tree. Inserted
// holds the roots of newly attached subtrees, Removed the roots of detached
// ones.
type Mutation struct {
	Inserted []*Node
	Removed  []*Node
}

// MutationFunc receives mutation batches. Subscribers run synchronously, in
// subscription order, on the goroutine performing the mutation.
type MutationFunc func(Mutation)

// ListenerFunc is a capture-phase native listener for one event kind.
type ListenerFunc func(*Event)

type listener struct {
	id NodeID
	fn ListenerFunc
}

type subscriber struct {
	id NodeID
	fn MutationFunc
}

// Tree is the surface tree of a monitored page session. The root may not
// exist yet while the page is still rendering; SetLoading reports that
// state so consumers can apply bounded rediscovery retries instead of
// treating an empty tree as final.
type Tree struct {
	nextID      NodeID
	root        *Node
	loading     bool
	focused     *Node
	listeners   map[EventKind][]listener
	subscribers []subscriber
}

// NewTree creates an empty tree with no root, in loading state.
func NewTree() *Tree {
	return &Tree{
		loading:   true,
		listeners: make(map[EventKind][]listener),
	}
}

// Root returns the tree's root node, or nil while the page has not
// rendered one yet.
func (t *Tree) Root() *Node { return t.root }

// Loading reports whether the page is still rendering.
func (t *Tree) Loading() bool { return t.loading }

// SetLoading marks the tree as rendering or settled.
func (t *Tree) SetLoading(v bool) { t.loading = v }

// SetFocus moves input focus to the given node (nil clears it).
func (t *Tree) SetFocus(n *Node) { t.focused = n }

// Focused returns the node holding input focus, if any.
func (t *Tree) Focused() *Node { return t.focused }

// NewNode creates a detached node owned by this tree.
func (t *Tree) NewNode(tag string, attrs map[string]string) *Node {
	t.nextID++
	n := &Node{id: t.nextID, tag: tag, tree: t}
	for k, v := range attrs {
		n.SetAttr(k, v)
	}
	return n
}

// SetRoot attaches the given node as the tree root and notifies
// subscribers of the insertion.
func (t *Tree) SetRoot(n *Node) {
	t.root = n
	n.parent = nil
	t.notify(Mutation{Inserted: []*Node{n}})
}

// Append attaches child under parent and notifies subscribers. The child
// may itself be the root of a prebuilt subtree; the whole subtree is
// reported as one inserted root, matching how render batches arrive.
func (t *Tree) Append(parent, child *Node) {
	child.parent = parent
	parent.children = append(parent.children, child)
	t.notify(Mutation{Inserted: []*Node{child}})
}

// Remove detaches the node from its parent and notifies subscribers.
func (t *Tree) Remove(n *Node) {
	if n.parent == nil {
		if t.root == n {
			t.root = nil
			t.notify(Mutation{Removed: []*Node{n}})
		}
		return
	}
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
	t.notify(Mutation{Removed: []*Node{n}})
}

// Subscribe registers a mutation subscriber and returns its removal func.
func (t *Tree) Subscribe(fn MutationFunc) func() {
	t.nextID++
	id := t.nextID
	t.subscribers = append(t.subscribers, subscriber{id: id, fn: fn})
	return func() {
		for i, s := range t.subscribers {
			if s.id == id {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (t *Tree) notify(m Mutation) {
	// Snapshot: subscribers may mutate the tree (and the subscriber list)
	// while handling a batch.
	subs := make([]subscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	for _, s := range subs {
		s.fn(m)
	}
}

// AddListener installs a capture-phase listener for the given event kind
// and returns its removal func. Listeners run in installation order.
func (t *Tree) AddListener(kind EventKind, fn ListenerFunc) func() {
	t.nextID++
	id := t.nextID
	t.listeners[kind] = append(t.listeners[kind], listener{id: id, fn: fn})
	return func() {
		ls := t.listeners[kind]
		for i, l := range ls {
			if l.id == id {
				t.listeners[kind] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers an event: capture-phase listeners first, in
// installation order, stopping if propagation is stopped; then, unless the
// default was prevented, the target's own application behavior.
func (t *Tree) Dispatch(ev *Event) {
	ls := make([]listener, len(t.listeners[ev.Kind]))
	copy(ls, t.listeners[ev.Kind])
	for _, l := range ls {
		if ev.propagationStopped {
			break
		}
		l.fn(ev)
	}
	if !ev.defaultPrevented && ev.Target != nil && ev.Target.activate != nil {
		ev.Target.activate(ev)
	}
}
