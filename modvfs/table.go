// Package modvfs is the union/overlay filesystem core: the inode table,
// the mod registry, the overlay builder, copy-on-write redirection, and the
// fuseutil.FileSystem implementation that ties them to the host adapter.
package modvfs

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/reithan/lmodvfs/fuseops"
)

// kind tags what a slot currently holds. A slot is one of three variants:
// free (participating in the free-list), a directory, or a regular file.
// Directory-only fields (entries) are therefore never touched on a file
// slot and vice versa, enforced here by the accessor methods rather than
// the type system, since the table is a flat array rather than a sum type
// per element.
type kind int

const (
	kindFree kind = iota
	kindDirectory
	kindFile
)

// Dirent is a single name -> child mapping owned by a directory slot.
type Dirent struct {
	Name    string
	Present bool
	Child   fuseops.InodeID
}

type slot struct {
	state kind

	// Valid when state != kindFree.
	mod     *Mod
	path    string
	links   uint64
	lookups uint64
	fds     uint64
	entries []Dirent // only populated for kindDirectory

	// Valid when state == kindFree.
	nextFree fuseops.InodeID
}

// Table is the fixed-capacity inode table: a slot array addressed by
// 1-based inode id, threaded into a free-list when unallocated.
type Table struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	slots []slot
	// GUARDED_BY(mu)
	freeHead fuseops.InodeID
}

// NewTable allocates a table with room for capacity inodes (plus the
// reserved id 0). Slot 1 is left unallocated; callers finish bootstrapping
// the root via InitRoot, matching the overlay builder's own first step.
func NewTable(capacity int) *Table {
	t := &Table{
		slots: make([]slot, capacity+1),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	// Thread slots >= 2 into a free-list, head at the highest index, per
	// the inode table's initialization rule.
	for id := capacity; id >= 2; id-- {
		t.slots[id].state = kindFree
		t.slots[id].nextFree = t.freeHead
		t.freeHead = fuseops.InodeID(id)
	}

	return t
}

func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// InitRoot bootstraps slot 1 as the root directory. Called once, before the
// overlay builder runs and before any other slot is registered.
func (t *Table) InitRoot(mod *Mod, path string) fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := &t.slots[fuseops.RootInodeID]
	if root.state != kindFree {
		panic("modvfs: InitRoot called more than once")
	}
	*root = slot{state: kindDirectory, mod: mod, path: path}
	return fuseops.RootInodeID
}

func (t *Table) checkInvariants() {
	seenFree := make(map[fuseops.InodeID]bool)
	for id := t.freeHead; id != 0; id = t.slots[id].nextFree {
		if t.slots[id].state != kindFree {
			panic(fmt.Sprintf("modvfs: free-list entry %d is not free", id))
		}
		if seenFree[id] {
			panic(fmt.Sprintf("modvfs: free-list cycle at %d", id))
		}
		seenFree[id] = true
	}

	for id := 2; id < len(t.slots); id++ {
		s := &t.slots[id]
		if s.state == kindFree && !seenFree[fuseops.InodeID(id)] {
			panic(fmt.Sprintf("modvfs: slot %d is free but absent from the free-list", id))
		}
		if s.state == kindDirectory {
			dots := 0
			for _, e := range s.entries {
				if e.Name == "." || e.Name == ".." {
					dots++
				}
			}
			if dots != 2 {
				panic(fmt.Sprintf("modvfs: directory %d missing . or ..", id))
			}
		}
	}
}

// register pops the free-list head, asserting it was free, and initializes
// it as a new allocated slot of the given kind.
func (t *Table) register(k kind, mod *Mod, path string) fuseops.InodeID {
	id := t.freeHead
	if id == 0 {
		panic("modvfs: inode table exhausted")
	}
	s := &t.slots[id]
	if s.state != kindFree {
		panic(fmt.Sprintf("modvfs: free-list head %d is not free", id))
	}
	t.freeHead = s.nextFree

	*s = slot{state: k, mod: mod, path: path}
	if k == kindDirectory {
		s.entries = nil
	}
	return id
}

// Register is the locking entry point for register, used outside the
// overlay builder (e.g. mkdir, create).
func (t *Table) Register(directory bool, mod *Mod, path string) fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := kindFile
	if directory {
		k = kindDirectory
	}
	return t.register(k, mod, path)
}

// freeable reports whether id's three counters and entry state allow it to
// be freed: for a file, links must be zero; for a directory, links must be
// exactly one (only the self-reference `.` remains).
func (t *Table) freeable(id fuseops.InodeID) bool {
	s := &t.slots[id]
	if s.lookups != 0 || s.fds != 0 {
		return false
	}
	switch s.state {
	case kindFile:
		return s.links == 0
	case kindDirectory:
		return s.links == 1
	default:
		return false
	}
}

// free releases id's owned storage and returns it to the free-list. It
// panics if id is not freeable: this is a programmer-invariant violation,
// not a recoverable error.
func (t *Table) free(id fuseops.InodeID) {
	if id == fuseops.RootInodeID {
		panic("modvfs: attempted to free the root inode")
	}
	s := &t.slots[id]
	if s.state == kindFree {
		panic(fmt.Sprintf("modvfs: double free of slot %d", id))
	}
	if !t.freeable(id) {
		panic(fmt.Sprintf("modvfs: slot %d freed while not freeable (links=%d lookups=%d fds=%d)", id, s.links, s.lookups, s.fds))
	}

	*s = slot{state: kindFree, nextFree: t.freeHead}
	t.freeHead = id
}

// forceFree recursively frees id and, if it is a directory, every child it
// still references, ignoring ref counts entirely. Used only at unmount.
func (t *Table) forceFree(id fuseops.InodeID) {
	s := &t.slots[id]
	if s.state == kindFree {
		return
	}
	if s.state == kindDirectory {
		for _, e := range s.entries {
			if e.Present && e.Name != "." && e.Name != ".." {
				t.forceFree(e.Child)
			}
		}
	}
	*s = slot{state: kindFree, nextFree: t.freeHead}
	t.freeHead = id
}

// ForceFree is the locking entry point, called once at unmount on the root.
func (t *Table) ForceFree(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceFree(id)
}

func (t *Table) link(id fuseops.InodeID)   { t.slots[id].links++ }
func (t *Table) unlink(id fuseops.InodeID) {
	s := &t.slots[id]
	if s.links == 0 {
		panic(fmt.Sprintf("modvfs: links underflow on slot %d", id))
	}
	s.links--
	if t.freeable(id) {
		t.free(id)
	}
}

func (t *Table) lookup(id fuseops.InodeID) { t.slots[id].lookups++ }
func (t *Table) forget(id fuseops.InodeID, n uint64) {
	s := &t.slots[id]
	if s.lookups < n {
		panic(fmt.Sprintf("modvfs: forget(%d, %d) underflows lookups=%d", id, n, s.lookups))
	}
	s.lookups -= n
	if t.freeable(id) {
		t.free(id)
	}
}

// Forget is the locking entry point for forget/forget_multi.
func (t *Table) Forget(id fuseops.InodeID, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forget(id, n)
}

func (t *Table) open(id fuseops.InodeID) { t.slots[id].fds++ }

// close decrements fds and, once it reaches zero, reaps tombstoned entries
// of id (if it is a directory) before checking freeability.
func (t *Table) close(id fuseops.InodeID) {
	s := &t.slots[id]
	if s.fds == 0 {
		panic(fmt.Sprintf("modvfs: fds underflow on slot %d", id))
	}
	s.fds--
	if s.fds == 0 && s.state == kindDirectory {
		t.reapTombstones(id)
	}
	if t.freeable(id) {
		t.free(id)
	}
}

// Close is the locking entry point for release.
func (t *Table) Close(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.close(id)
}

func (t *Table) reapTombstones(id fuseops.InodeID) {
	s := &t.slots[id]
	live := s.entries[:0]
	for _, e := range s.entries {
		if e.Present {
			live = append(live, e)
		}
	}
	s.entries = live
}

// insertDirent appends a new entry to parent's entries and links child.
func (t *Table) insertDirent(parent fuseops.InodeID, name string, child fuseops.InodeID) {
	s := &t.slots[parent]
	if s.state != kindDirectory {
		panic(fmt.Sprintf("modvfs: insertDirent on non-directory %d", parent))
	}
	s.entries = append(s.entries, Dirent{Name: name, Present: true, Child: child})
	t.link(child)
}

// InsertDirent is the locking entry point.
func (t *Table) InsertDirent(parent fuseops.InodeID, name string, child fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertDirent(parent, name, child)
}

// eraseDirent unlinks the child referenced by parent's entry at idx. If
// parent currently has open handles the entry is tombstoned in place
// (preserving indices for any in-progress readdir); otherwise it is
// spliced out immediately.
func (t *Table) eraseDirent(parent fuseops.InodeID, idx int) {
	s := &t.slots[parent]
	e := &s.entries[idx]
	if !e.Present {
		panic(fmt.Sprintf("modvfs: eraseDirent on already-tombstoned entry %d/%d", parent, idx))
	}
	child := e.Child
	if s.fds > 0 {
		e.Present = false
	} else {
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	}
	t.unlink(child)
}

// EraseDirent is the locking entry point.
func (t *Table) EraseDirent(parent fuseops.InodeID, idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eraseDirent(parent, idx)
}

// findDirentIndex scans parent's entries for the first present entry whose
// name is case-insensitively equal to name.
func (t *Table) findDirentIndex(parent fuseops.InodeID, name string) (int, bool) {
	s := &t.slots[parent]
	for i, e := range s.entries {
		if e.Present && foldEq(e.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// FindDirentIndex is the locking entry point.
func (t *Table) FindDirentIndex(parent fuseops.InodeID, name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findDirentIndex(parent, name)
}

func foldEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// IsDir reports whether id is currently a directory slot.
func (t *Table) IsDir(id fuseops.InodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[id].state == kindDirectory
}

// Mod returns id's current owning mod and relative path.
func (t *Table) Mod(id fuseops.InodeID) (*Mod, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[id]
	return s.mod, s.path
}

// Retarget changes id's owning mod and path, used by the overlay builder
// (file retargeting) and copy-on-write redirection alike.
func (t *Table) Retarget(id fuseops.InodeID, mod *Mod, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[id]
	s.mod = mod
	s.path = path
}

// Entries returns a snapshot of id's directory entries.
func (t *Table) Entries(id fuseops.InodeID) []Dirent {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[id]
	out := make([]Dirent, len(s.entries))
	copy(out, s.entries)
	return out
}

// Counts returns id's (links, lookups, fds) triple.
func (t *Table) Counts(id fuseops.InodeID) (links, lookups, fds uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[id]
	return s.links, s.lookups, s.fds
}

// Lookup, Link, Open and Close are the locking entry points for the
// matching counter operations; Unlink frees id if it becomes freeable.
func (t *Table) Lookup(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookup(id)
}

func (t *Table) Link(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link(id)
}

func (t *Table) Unlink(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unlink(id)
}

func (t *Table) Open(id fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open(id)
}
