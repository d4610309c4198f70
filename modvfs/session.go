package modvfs

import (
	"fmt"

	"github.com/jacobsa/timeutil"

	lmodvfs "github.com/reithan/lmodvfs"
	"github.com/reithan/lmodvfs/fuseutil"
)

// ModSpec names one user mod's root directory, in the priority order it
// should be merged at.
type ModSpec struct {
	Name string
	Path string
}

// Session holds the global state a mounted overlay needs: the inode
// table, the mod registry, and the host-facing VFS. It is created once by
// Mount and threaded through by reference, never held in file-scope
// globals.
type Session struct {
	Table *Table
	Reg   *Registry
	VFS   *FileSystem
}

// tableCapacity bounds the number of simultaneously live inodes. Generous
// for a mod tree: a mount with more distinct files than this is not the
// intended use case.
const tableCapacity = 1 << 20

// Mount builds the overlay described by mods and outputDir rooted at
// mountPoint (which doubles as the loopback source, per spec), then mounts
// it and starts serving FUSE requests on its own goroutine. The returned
// MountedFileSystem's Join blocks until the mount is torn down.
func Mount(mountPoint, outputDir string, mods []ModSpec, cfg *lmodvfs.MountConfig) (*lmodvfs.MountedFileSystem, *Session, error) {
	userNames := make([]string, len(mods))
	userPaths := make([]string, len(mods))
	for i, m := range mods {
		userNames[i] = m.Name
		userPaths[i] = m.Path
	}

	reg, err := NewRegistry(mountPoint, userNames, userPaths, outputDir)
	if err != nil {
		return nil, nil, fmt.Errorf("modvfs: building mod registry: %w", err)
	}

	table := NewTable(tableCapacity)
	if err := BuildOverlay(table, reg); err != nil {
		reg.Close()
		return nil, nil, fmt.Errorf("modvfs: building overlay: %w", err)
	}

	vfs := NewFileSystem(table, reg, timeutil.RealClock())
	sess := &Session{Table: table, Reg: reg, VFS: vfs}

	server := fuseutil.NewFileSystemServer(vfs)
	mfs, err := lmodvfs.Mount(mountPoint, server, cfg)
	if err != nil {
		table.ForceFree(1)
		reg.Close()
		return nil, nil, fmt.Errorf("modvfs: mounting: %w", err)
	}

	return mfs, sess, nil
}

// Close force-frees every inode still referenced by sess and releases its
// mod handles. Call only after the mount's MountedFileSystem.Join has
// returned, or after explicitly unmounting the mount point so the dispatch
// loop drains first.
func (s *Session) Close() error {
	s.Table.ForceFree(1)
	return s.Reg.Close()
}
