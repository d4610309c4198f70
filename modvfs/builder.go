package modvfs

import (
	"fmt"
	"path"

	"github.com/reithan/lmodvfs/casefs"
	"github.com/reithan/lmodvfs/fuseops"
)

// BuildOverlay walks every layer in reg (loopback, then user mods in
// order, then output) and merges their trees into table, rooted at id 1.
// Kind collisions between layers for the same name are reported as an
// error here rather than a panic: this is a mount-time configuration
// problem the operator caused, not a programmer-invariant violation.
func BuildOverlay(table *Table, reg *Registry) error {
	table.InitRoot(reg.Loopback, "")
	table.InsertDirent(fuseops.RootInodeID, ".", fuseops.RootInodeID)
	table.InsertDirent(fuseops.RootInodeID, "..", fuseops.RootInodeID)

	for _, mod := range reg.Layers() {
		if err := mergeInto(table, fuseops.RootInodeID, mod, mod.Root, ""); err != nil {
			return fmt.Errorf("modvfs: merging mod %q: %w", mod.Name, err)
		}
	}
	return nil
}

// mergeInto merges one layer's directory (dir, at curPath within mod) into
// the logical directory already registered at parent.
func mergeInto(table *Table, parent fuseops.InodeID, mod *Mod, dir *casefs.Dir, curPath string) error {
	children, err := dir.ReadDir()
	if err != nil {
		return fmt.Errorf("reading %s: %w", curPath, err)
	}

	for _, c := range children {
		relPath := c.Name
		if curPath != "" {
			relPath = path.Join(curPath, c.Name)
		}

		idx, ok := table.FindDirentIndex(parent, c.Name)
		if !ok {
			if err := registerNew(table, parent, mod, dir, c, relPath); err != nil {
				return err
			}
			continue
		}

		entries := table.Entries(parent)
		existing := entries[idx].Child
		if table.IsDir(existing) != c.IsDir {
			return fmt.Errorf("%s: directory/file kind mismatch across layers", relPath)
		}

		if c.IsDir {
			// Earliest layer to create a directory keeps owning it for
			// backing purposes; every layer's contents still merge into
			// the same logical child.
			childDir, err := dir.OpenChildDir(c.Name)
			if err != nil {
				return err
			}
			err = mergeInto(table, existing, mod, childDir, relPath)
			childDir.Close()
			if err != nil {
				return err
			}
		} else {
			// Later layer wins for files: retarget the existing inode to
			// this layer and drop whatever backed it before.
			table.Retarget(existing, mod, relPath)
		}
	}
	return nil
}

func registerNew(table *Table, parent fuseops.InodeID, mod *Mod, dir *casefs.Dir, c casefs.Entry, relPath string) error {
	if !c.IsDir {
		id := table.Register(false, mod, relPath)
		table.InsertDirent(parent, c.Name, id)
		return nil
	}

	childDir, err := dir.OpenChildDir(c.Name)
	if err != nil {
		return err
	}
	defer childDir.Close()

	id := table.Register(true, mod, relPath)
	table.InsertDirent(parent, c.Name, id)
	table.InsertDirent(id, ".", id)
	table.InsertDirent(id, "..", parent)

	return mergeInto(table, id, mod, childDir, relPath)
}
