package modvfs

import (
	"testing"

	"github.com/reithan/lmodvfs/fuseops"
)

func newTestRoot(t *testing.T) (*Table, fuseops.InodeID) {
	t.Helper()
	table := NewTable(16)
	mod := &Mod{Name: "loopback"}
	root := table.InitRoot(mod, "")
	table.InsertDirent(root, ".", root)
	table.InsertDirent(root, "..", root)
	return table, root
}

func TestInitRootSelfLoop(t *testing.T) {
	table, root := newTestRoot(t)
	links, lookups, fds := table.Counts(root)
	if links != 2 {
		t.Fatalf("root links = %d, want 2 (from its own . and ..)", links)
	}
	if lookups != 0 || fds != 0 {
		t.Fatalf("root lookups/fds = %d/%d, want 0/0", lookups, fds)
	}
}

func TestInsertDirentLinksParentFromDotDot(t *testing.T) {
	table, root := newTestRoot(t)
	mod := &Mod{Name: "output"}

	child := table.Register(true, mod, "Data")
	table.InsertDirent(root, "Data", child)
	table.InsertDirent(child, ".", child)
	table.InsertDirent(child, "..", root)

	childLinks, _, _ := table.Counts(child)
	if childLinks != 2 {
		t.Fatalf("child links = %d, want 2 (parent's entry + its own .)", childLinks)
	}

	rootLinks, _, _ := table.Counts(root)
	if rootLinks != 3 {
		t.Fatalf("root links = %d, want 3 (its own . and .., plus child's ..)", rootLinks)
	}
}

func TestFindDirentIndexIsCaseInsensitive(t *testing.T) {
	table, root := newTestRoot(t)
	mod := &Mod{Name: "loopback"}
	child := table.Register(false, mod, "Readme.txt")
	table.InsertDirent(root, "Readme.txt", child)

	idx, ok := table.FindDirentIndex(root, "README.TXT")
	if !ok {
		t.Fatal("expected case-insensitive match")
	}
	if table.Entries(root)[idx].Child != child {
		t.Fatal("matched wrong entry")
	}

	if _, ok := table.FindDirentIndex(root, "nonexistent"); ok {
		t.Fatal("expected no match")
	}
}

func TestEraseDirentTombstonesWhileOpen(t *testing.T) {
	table, root := newTestRoot(t)
	mod := &Mod{Name: "output"}
	child := table.Register(false, mod, "foo.esp")
	table.InsertDirent(root, "foo.esp", child)

	table.Open(root) // simulate a readdir in progress

	idx, ok := table.FindDirentIndex(root, "foo.esp")
	if !ok {
		t.Fatal("expected entry to exist before erase")
	}
	table.EraseDirent(root, idx)

	entries := table.Entries(root)
	if len(entries) != 3 {
		t.Fatalf("expected tombstoned entry to remain in place, got %d entries", len(entries))
	}
	if entries[idx].Present {
		t.Fatal("expected entry to be tombstoned, not removed")
	}

	if _, ok := table.FindDirentIndex(root, "foo.esp"); ok {
		t.Fatal("tombstoned entry should not be found by name")
	}

	table.Close(root) // fds -> 0, tombstones reaped
	if len(table.Entries(root)) != 2 {
		t.Fatalf("expected tombstone reaped after close, got %d entries", len(table.Entries(root)))
	}
}

func TestEraseDirentSplicesWhenNotOpen(t *testing.T) {
	table, root := newTestRoot(t)
	mod := &Mod{Name: "output"}
	child := table.Register(false, mod, "foo.esp")
	table.InsertDirent(root, "foo.esp", child)

	idx, _ := table.FindDirentIndex(root, "foo.esp")
	table.EraseDirent(root, idx)

	if len(table.Entries(root)) != 2 {
		t.Fatalf("expected entry spliced out immediately, got %d entries", len(table.Entries(root)))
	}
}

func TestForgetFreesUnreferencedFile(t *testing.T) {
	table, root := newTestRoot(t)
	mod := &Mod{Name: "output"}
	child := table.Register(false, mod, "foo.esp")
	table.InsertDirent(root, "foo.esp", child)
	table.Lookup(child)

	idx, _ := table.FindDirentIndex(root, "foo.esp")
	table.EraseDirent(root, idx) // links -> 0, but lookups still 1: not yet freed

	table.Forget(child, 1) // lookups -> 0: now freeable, slot recycled

	// A freshly registered inode should be able to reuse the freed slot
	// without panicking on double-allocation bookkeeping.
	other := table.Register(false, mod, "bar.esp")
	if other == 0 {
		t.Fatal("expected a valid id after recycling a freed slot")
	}
}

func TestForgetUnderflowPanics(t *testing.T) {
	table, root := newTestRoot(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on forget underflow")
		}
	}()
	table.Forget(root, 1)
}
