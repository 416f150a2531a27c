package lock

import (
	"bytes"
	"testing"

	"pageshield/internal/page"
	"pageshield/internal/registry"
)

func setup() (*page.Tree, *registry.Registry, *Lock, *page.Node) {
	tree := page.NewTree()
	root := tree.NewNode("main", nil)
	tree.SetRoot(root)

	send := tree.NewNode("button", map[string]string{
		"data-testid": "send-button",
		"title":       "Send message",
	})
	tree.Append(root, send)

	reg := registry.New(tree)
	l := New(tree, reg)
	l.SetStderr(&bytes.Buffer{})
	l.SetRetry(2, 0)
	return tree, reg, l, send
}

func TestDisableAppliesAndSnapshots(t *testing.T) {
	_, _, l, send := setup()

	l.Disable(send, "analyzing")

	if v, _ := send.Attr("disabled"); v != "true" {
		t.Errorf("expected disabled=true, got %q", v)
	}
	if v, _ := send.Attr("title"); v != "analyzing" {
		t.Errorf("expected title to carry the reason, got %q", v)
	}
	if !l.Disabled(send) {
		t.Error("expected target to be tracked as disabled")
	}
}

func TestEnableRestoresOriginalState(t *testing.T) {
	_, _, l, send := setup()

	l.Disable(send, "analyzing")
	l.Enable(send)

	if _, ok := send.Attr("disabled"); ok {
		t.Error("expected disabled attr to be removed (it was absent before)")
	}
	if v, _ := send.Attr("title"); v != "Send message" {
		t.Errorf("expected original title restored, got %q", v)
	}
	if _, ok := send.Attr("data-pageshield-disabled"); ok {
		t.Error("expected marker attr to be removed")
	}
	if l.Disabled(send) {
		t.Error("expected target to be untracked after enable")
	}
}

func TestDoubleDisableKeepsFirstSnapshot(t *testing.T) {
	_, _, l, send := setup()

	l.Disable(send, "first")
	l.Disable(send, "second")
	l.Enable(send)

	// Had the second disable re-snapshotted, the restored title would be
	// "first" rather than the page's own value.
	if v, _ := send.Attr("title"); v != "Send message" {
		t.Errorf("expected original title after double disable, got %q", v)
	}
}

func TestEnableUntrackedIsNoop(t *testing.T) {
	tree, _, l, _ := setup()
	stranger := tree.NewNode("button", nil)
	l.Enable(stranger) // must not panic
	if l.Tracked() != 0 {
		t.Errorf("expected no tracked targets, got %d", l.Tracked())
	}
}

func TestDisableAll(t *testing.T) {
	tree, _, l, send := setup()

	second := tree.NewNode("button", map[string]string{"type": "submit"})
	tree.Append(tree.Root(), second)

	n := l.DisableAll("initializing")
	if n != 2 {
		t.Errorf("expected 2 disabled, got %d", n)
	}
	if !l.Disabled(send) || !l.Disabled(second) {
		t.Error("expected both triggers disabled")
	}

	l.EnableAll()
	if l.Tracked() != 0 {
		t.Errorf("expected empty tracked set after EnableAll, got %d", l.Tracked())
	}
}

func TestDisableAllEmptySettledTree(t *testing.T) {
	tree := page.NewTree()
	tree.SetLoading(false)
	root := tree.NewNode("main", nil)
	tree.SetRoot(root)

	reg := registry.New(tree)
	l := New(tree, reg)
	var buf bytes.Buffer
	l.SetStderr(&buf)
	l.SetRetry(2, 0)

	if n := l.DisableAll("initializing"); n != 0 {
		t.Errorf("expected 0 disabled on empty tree, got %d", n)
	}
	if buf.Len() == 0 {
		t.Error("expected a diagnostic about missing triggers")
	}
}
