// Package page models the monitored page as an abstract surface tree: a
// mutable tree of interactive nodes plus the interaction events raised
// against them. The embedding instrumentation owns the tree and delivers
// mutations and events; the interception layers (registry, lock, bus,
// watcher, engine) operate purely on this model.
//
// All tree and event operations must be called from a single goroutine.
// The engine's analysis calls are the only suspension points; everything
// here is synchronous interleaving, not parallel execution.
package page

import "fmt"

// NodeID is a locally-assigned opaque identifier. It exists only so that
// tracking structures (lock snapshots, already-bound sets) can key nodes
// without owning them; it carries no meaning outside this process.
type NodeID uint64

// File is an attached file payload on a file-entry surface.
type File struct {
	Name    string
	Size    int64
	Content []byte
}

// Node is a single interactive element in the surface tree.
type Node struct {
	id       NodeID
	tag      string
	attrs    map[string]string
	text     string
	files    []File
	parent   *Node
	children []*Node
	tree     *Tree

	// activate is the underlying application's own behavior for this node
	// (what a click or submit does once interception lets it through).
	activate func(*Event)
}

// ID returns the node's opaque local identifier.
func (n *Node) ID() NodeID { return n.id }

// Tag returns the node's structural tag (e.g. "button", "textarea").
func (n *Node) Tag() string { return n.tag }

// Parent returns the node's parent, or nil for the root or a detached node.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the node's children in insertion order.
func (n *Node) Children() []*Node { return n.children }

// Attr returns the value of the named attribute and whether it is set.
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

// SetAttr sets an attribute on the node.
func (n *Node) SetAttr(name, value string) {
	if n.attrs == nil {
		n.attrs = make(map[string]string)
	}
	n.attrs[name] = value
}

// RemoveAttr removes an attribute from the node.
func (n *Node) RemoveAttr(name string) {
	delete(n.attrs, name)
}

// Text returns the node's current text content.
func (n *Node) Text() string { return n.text }

// SetText replaces the node's text content.
func (n *Node) SetText(s string) { n.text = s }

// Files returns the files currently attached to the node.
func (n *Node) Files() []File { return n.files }

// SetFiles replaces the node's attached files. SetFiles(nil) aborts a
// pending attach.
func (n *Node) SetFiles(files []File) { n.files = files }

// OnActivate sets the application-side behavior invoked when an event on
// this node completes without its default being prevented.
func (n *Node) OnActivate(fn func(*Event)) { n.activate = fn }

// Detached reports whether the node has been removed from the tree.
func (n *Node) Detached() bool {
	if n.tree == nil {
		return true
	}
	root := n.tree.Root()
	for cur := n; cur != nil; cur = cur.parent {
		if cur == root {
			return false
		}
	}
	return true
}

// Closest walks up from the node (inclusive) and returns the first
// ancestor with the given tag, or nil.
func (n *Node) Closest(tag string) *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.tag == tag {
			return cur
		}
	}
	return nil
}

// Walk visits the node and every descendant in depth-first order. The
// visit function returning false prunes that subtree.
func (n *Node) Walk(visit func(*Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(visit)
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("<%s #%d>", n.tag, n.id)
}
