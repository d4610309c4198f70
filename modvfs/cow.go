package modvfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/reithan/lmodvfs/fuseops"
)

// MakeOutputPath walks dirPath component-by-component from the root,
// creating each directory in output (ignoring "already exists") and, for
// every component that also names a directory already present in the
// overlay, retargeting that inode's owning mod to output. It returns the
// (possibly freshly retargeted) directory inode at dirPath. If an
// intermediate logical name resolves to a non-directory, the walk halts
// with an error.
func MakeOutputPath(table *Table, output *Mod, dirPath string) (fuseops.InodeID, error) {
	id := fuseops.InodeID(fuseops.RootInodeID)

	dirPath = strings.Trim(path.Clean("/"+dirPath), "/")
	if dirPath == "" || dirPath == "." {
		table.Retarget(id, output, "")
		return id, nil
	}

	built := ""
	for _, comp := range strings.Split(dirPath, "/") {
		if built == "" {
			built = comp
		} else {
			built = built + "/" + comp
		}

		if err := output.Root.Mkdir(built, 0755); err != nil {
			return 0, fmt.Errorf("modvfs: make_output_path: mkdir %s: %w", built, err)
		}

		idx, ok := table.FindDirentIndex(id, comp)
		if !ok {
			return 0, fmt.Errorf("modvfs: make_output_path: %s has no entry %q", built, comp)
		}
		entries := table.Entries(id)
		child := entries[idx].Child
		if !table.IsDir(child) {
			return 0, fmt.Errorf("modvfs: make_output_path: %s is not a directory", built)
		}

		table.Retarget(child, output, built)
		id = child
	}

	return id, nil
}

// RedirectToOutput is invoked before the first write through a
// non-output-backed file inode. It ensures the inode's parent path exists
// in output, copies the file's current content there under the same
// relative path, and retargets the inode's owning mod to output. Writes
// must never mutate the loopback base or any user mod; output is the only
// write sink.
func RedirectToOutput(table *Table, reg *Registry, id fuseops.InodeID) error {
	mod, relPath := table.Mod(id)
	if mod == reg.Output {
		return nil
	}

	parentPath := path.Dir(relPath)
	if parentPath == "." {
		parentPath = ""
	}
	if _, err := MakeOutputPath(table, reg.Output, parentPath); err != nil {
		return err
	}

	if err := mod.Root.Copy(relPath, reg.Output.Root, relPath, 0644); err != nil {
		return fmt.Errorf("modvfs: redirect_to_output: copying %s: %w", relPath, err)
	}

	table.Retarget(id, reg.Output, relPath)
	return nil
}
