// Package registry discovers and classifies the interactive elements the
// engine cares about: submit triggers, text-entry surfaces, and file-entry
// surfaces. Discovery is a pure query against the current surface tree;
// nothing is cached, so results always reflect whatever the page has
// rendered right now.
package registry

import (
	"strings"

	"pageshield/internal/page"
)

// Kind classifies an interaction target.
type Kind int

const (
	KindNone Kind = iota
	KindSubmitTrigger
	KindTextSurface
	KindFileSurface
)

func (k Kind) String() string {
	switch k {
	case KindSubmitTrigger:
		return "submit-trigger"
	case KindTextSurface:
		return "text-surface"
	case KindFileSurface:
		return "file-surface"
	default:
		return "none"
	}
}

// Matcher is a single structural/semantic heuristic. Matchers are allowed
// to panic (selectors written against a page that has changed shape); a
// panicking matcher is treated as a non-match.
type Matcher func(*page.Node) bool

// Registry finds interaction targets in a surface tree using prioritized
// heuristic lists. Heuristics are unioned, not short-circuited: every
// heuristic runs and all matching elements are collected, so a page that
// renders both a labeled send button and a bare icon button yields both.
type Registry struct {
	tree           *page.Tree
	submitMatchers []Matcher
	textMatchers   []Matcher
	fileMatchers   []Matcher
}

// New creates a registry with the default heuristics for chat-style pages.
func New(tree *page.Tree) *Registry {
	return &Registry{
		tree:           tree,
		submitMatchers: defaultSubmitMatchers(),
		textMatchers:   defaultTextMatchers(),
		fileMatchers:   defaultFileMatchers(),
	}
}

// AddSubmitMatcher appends a lower-priority submit-trigger heuristic.
func (r *Registry) AddSubmitMatcher(m Matcher) {
	r.submitMatchers = append(r.submitMatchers, m)
}

// AddTextMatcher appends a lower-priority text-surface heuristic.
func (r *Registry) AddTextMatcher(m Matcher) {
	r.textMatchers = append(r.textMatchers, m)
}

// AddFileMatcher appends a lower-priority file-surface heuristic.
func (r *Registry) AddFileMatcher(m Matcher) {
	r.fileMatchers = append(r.fileMatchers, m)
}

// SubmitTriggers returns all current submit triggers in tree order.
func (r *Registry) SubmitTriggers() []*page.Node {
	return r.SubmitTriggersIn(r.tree.Root())
}

// SubmitTriggersIn scopes discovery to the given subtree.
func (r *Registry) SubmitTriggersIn(root *page.Node) []*page.Node {
	return collect(root, r.submitMatchers)
}

// TextSurfaces returns all current text-entry surfaces in tree order.
func (r *Registry) TextSurfaces() []*page.Node {
	return r.TextSurfacesIn(r.tree.Root())
}

// TextSurfacesIn scopes discovery to the given subtree.
func (r *Registry) TextSurfacesIn(root *page.Node) []*page.Node {
	return collect(root, r.textMatchers)
}

// FileSurfaces returns all current file-entry surfaces in tree order.
func (r *Registry) FileSurfaces() []*page.Node {
	return r.FileSurfacesIn(r.tree.Root())
}

// FileSurfacesIn scopes discovery to the given subtree.
func (r *Registry) FileSurfacesIn(root *page.Node) []*page.Node {
	return collect(root, r.fileMatchers)
}

// Classify reports what kind of interaction target the node is, if any.
// Submit triggers win over surfaces when a node somehow matches both.
func (r *Registry) Classify(n *page.Node) Kind {
	switch {
	case matchAny(n, r.submitMatchers):
		return KindSubmitTrigger
	case matchAny(n, r.textMatchers):
		return KindTextSurface
	case matchAny(n, r.fileMatchers):
		return KindFileSurface
	default:
		return KindNone
	}
}

// collect walks the subtree once per heuristic and unions the results,
// ordered by heuristic priority then tree order, deduplicated by node
// identity.
func collect(root *page.Node, matchers []Matcher) []*page.Node {
	if root == nil {
		return nil
	}
	seen := make(map[page.NodeID]bool)
	var out []*page.Node
	for _, m := range matchers {
		root.Walk(func(n *page.Node) bool {
			if !seen[n.ID()] && safeMatch(m, n) {
				seen[n.ID()] = true
				out = append(out, n)
			}
			return true
		})
	}
	return out
}

func matchAny(n *page.Node, matchers []Matcher) bool {
	for _, m := range matchers {
		if safeMatch(m, n) {
			return true
		}
	}
	return false
}

// safeMatch runs a matcher, treating a panic as a non-match.
func safeMatch(m Matcher, n *page.Node) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return m(n)
}

func attrEquals(n *page.Node, name, want string) bool {
	v, ok := n.Attr(name)
	return ok && v == want
}

func attrContains(n *page.Node, name, substr string) bool {
	v, ok := n.Attr(name)
	return ok && strings.Contains(strings.ToLower(v), substr)
}

func defaultSubmitMatchers() []Matcher {
	return []Matcher{
		// Most specific first: explicit test ids used by chat frontends.
		func(n *page.Node) bool {
			return attrContains(n, "data-testid", "send-button")
		},
		func(n *page.Node) bool {
			return n.Tag() == "button" && attrEquals(n, "type", "submit")
		},
		func(n *page.Node) bool {
			return attrEquals(n, "role", "button") && attrContains(n, "aria-label", "send")
		},
		func(n *page.Node) bool {
			return n.Tag() == "button" && attrContains(n, "aria-label", "send")
		},
	}
}

func defaultTextMatchers() []Matcher {
	return []Matcher{
		func(n *page.Node) bool {
			return attrContains(n, "data-testid", "prompt")
		},
		func(n *page.Node) bool { return n.Tag() == "textarea" },
		func(n *page.Node) bool { return attrEquals(n, "contenteditable", "true") },
		func(n *page.Node) bool { return attrEquals(n, "role", "textbox") },
	}
}

func defaultFileMatchers() []Matcher {
	return []Matcher{
		func(n *page.Node) bool {
			return n.Tag() == "input" && attrEquals(n, "type", "file")
		},
		func(n *page.Node) bool {
			_, ok := n.Attr("data-accepts-files")
			return ok
		},
	}
}
