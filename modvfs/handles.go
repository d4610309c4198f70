package modvfs

import (
	"os"

	"github.com/jacobsa/syncutil"

	"github.com/reithan/lmodvfs/fuseops"
)

type fileHandleState struct {
	inode fuseops.InodeID
	f     *os.File
}

type dirHandleState struct {
	inode fuseops.InodeID
}

// handleTable tracks live open-file and open-directory handles, keyed by
// the handle IDs the host protocol hands back to us on every subsequent
// read/write/release. Grounded on gcsfuse's fs.go handles map +
// nextHandleID counter, split into two maps since our two handle kinds
// carry different payloads.
type handleTable struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	next fuseops.HandleID
	// GUARDED_BY(mu)
	files map[fuseops.HandleID]*fileHandleState
	// GUARDED_BY(mu)
	dirs map[fuseops.HandleID]*dirHandleState
}

func newHandleTable() *handleTable {
	ht := &handleTable{
		files: make(map[fuseops.HandleID]*fileHandleState),
		dirs:  make(map[fuseops.HandleID]*dirHandleState),
	}
	ht.mu = syncutil.NewInvariantMutex(ht.checkInvariants)
	return ht
}

func (ht *handleTable) checkInvariants() {
	for h := range ht.files {
		if h >= ht.next {
			panic("modvfs: file handle >= next counter")
		}
	}
	for h := range ht.dirs {
		if h >= ht.next {
			panic("modvfs: dir handle >= next counter")
		}
	}
}

func (ht *handleTable) newFile(inode fuseops.InodeID, f *os.File) fuseops.HandleID {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	id := ht.next
	ht.next++
	ht.files[id] = &fileHandleState{inode: inode, f: f}
	return id
}

func (ht *handleTable) newDir(inode fuseops.InodeID) fuseops.HandleID {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	id := ht.next
	ht.next++
	ht.dirs[id] = &dirHandleState{inode: inode}
	return id
}

func (ht *handleTable) file(id fuseops.HandleID) *fileHandleState {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.files[id]
}

func (ht *handleTable) popFile(id fuseops.HandleID) *fileHandleState {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h := ht.files[id]
	delete(ht.files, id)
	return h
}

func (ht *handleTable) popDir(id fuseops.HandleID) *dirHandleState {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h := ht.dirs[id]
	delete(ht.dirs, id)
	return h
}
