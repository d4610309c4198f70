// Package fomod models the interface contract between the overlay VFS
// and an external FOMOD installer: the installer's interactive wizard and
// XML-schema parsing live outside this module entirely. All this package
// gives an installer is the two handles spec.md describes — a write
// target for the mod it is about to create, and a read-only
// case-insensitive view of the mounted data directory for evaluating
// fileDependency conditions.
package fomod

import (
	"os"

	"github.com/reithan/lmodvfs/casefs"
)

// WriteTarget is the fresh mod data root an installer populates. It
// becomes an ordinary user mod directory on the next mount; this package
// does not itself register it with a Registry.
type WriteTarget struct {
	root string
}

// NewWriteTarget creates (if necessary) and returns a write target rooted
// at dir.
func NewWriteTarget(dir string) (*WriteTarget, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &WriteTarget{root: dir}, nil
}

// Root returns the write target's path, for the installer's own file
// creation (archive extraction, individual file copies) — deliberately
// not wrapped in casefs, since a write target is populated with the
// installer's own chosen casing, not resolved against existing entries.
func (w *WriteTarget) Root() string {
	return w.root
}

// DependencyChecker is the read-only, case-insensitive view an installer
// consults to evaluate a fileDependency condition: "does a file
// case-insensitively matching this path exist in the mounted data tree."
type DependencyChecker struct {
	dir *casefs.Dir
}

// NewDependencyChecker opens mountPoint as a read-only case-insensitive
// view. The installer must not write through it.
func NewDependencyChecker(mountPoint string) (*DependencyChecker, error) {
	dir, err := casefs.OpenRoot(mountPoint)
	if err != nil {
		return nil, err
	}
	return &DependencyChecker{dir: dir}, nil
}

// Exists reports whether rel names an existing file or directory in the
// mounted tree, resolved case-insensitively.
func (c *DependencyChecker) Exists(rel string) bool {
	_, err := c.dir.Stat(rel)
	return err == nil
}

// Close releases the checker's directory handle.
func (c *DependencyChecker) Close() error {
	return c.dir.Close()
}
