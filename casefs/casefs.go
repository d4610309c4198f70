// Package casefs resolves paths against a case-sensitive backing directory
// under ASCII-only case-folding, the way fs_nocase.c does for the mod VFS
// this package backs. Every walk is relative to an open directory file
// descriptor (the *at family) so a rename of an ancestor directory by
// another process can't retarget a lookup mid-walk.
package casefs

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// Dir is a case-insensitive view onto one real directory tree.
type Dir struct {
	fd int
}

// OpenRoot opens p as the root of a case-insensitive tree.
func OpenRoot(p string) (*Dir, error) {
	fd, err := unix.Open(p, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: p, Err: err}
	}
	return &Dir{fd: fd}, nil
}

// Close releases the root handle. Call only at unmount; a Dir is shared
// read-only across operations until then.
func (d *Dir) Close() error {
	return unix.Close(d.fd)
}

// Fd returns the raw directory file descriptor, for Renameat callers that
// need both sides' fds directly.
func (d *Dir) Fd() int { return d.fd }

// Entry describes one direct child of a Dir, as listed by ReadDir.
type Entry struct {
	Name  string
	IsDir bool
}

// ReadDir lists the direct children of d itself (not a nested path), using
// the real on-disk casing, for a single-layer recursive walk that needs no
// case folding.
func (d *Dir) ReadDir() ([]Entry, error) {
	dup, err := unix.Dup(d.fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), ".")
	defer f.Close()

	infos, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(infos))
	for i, fi := range infos {
		out[i] = Entry{Name: fi.Name(), IsDir: fi.IsDir()}
	}
	return out, nil
}

// OpenChildDir opens the exactly-named child directory of d, for recursive
// walks of a single already-known layer tree (no case folding needed: the
// name came from ReadDir on the same layer).
func (d *Dir) OpenChildDir(name string) (*Dir, error) {
	fd, err := unix.Openat(d.fd, name, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: name, Err: err}
	}
	return &Dir{fd: fd}, nil
}

// foldEq reports whether a and b are equal under ASCII-only case-folding.
// Unicode folding is deliberately not implemented: game mod trees are
// assumed ASCII, and upgrading silently would change matching behavior for
// non-ASCII filenames.
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

// readNames lists the names in the directory at fd without disturbing any
// other reader's position on it (it operates on a dup'd fd).
func readNames(fd int) ([]string, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), ".")
	defer f.Close()
	return f.Readdirnames(-1)
}

// match returns the real on-disk casing of the first entry of dirFd
// equivalent to name under ASCII case-folding, in enumeration order.
func match(dirFd int, name string) (real string, ok bool, err error) {
	names, err := readNames(dirFd)
	if err != nil {
		return "", false, err
	}
	for _, n := range names {
		if foldEq(n, name) {
			return n, true, nil
		}
	}
	return "", false, nil
}

func splitClean(rel string) []string {
	clean := path.Clean("/" + rel)
	parts := strings.Split(clean, "/")[1:]
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}

// resolveParent walks every component but the last of rel case-insensitively,
// returning an fd for the containing directory (which the caller must
// release via closeParent) and the real casing of the terminal component if
// it already exists, or rel's own casing if it doesn't.
func (d *Dir) resolveParent(rel string) (parentFd int, leaf string, err error) {
	parts := splitClean(rel)
	if len(parts) == 0 {
		return 0, "", fmt.Errorf("casefs: empty path")
	}

	fd := d.fd
	owned := false
	for _, comp := range parts[:len(parts)-1] {
		real, ok, merr := match(fd, comp)
		if merr != nil {
			if owned {
				unix.Close(fd)
			}
			return 0, "", merr
		}
		if !ok {
			if owned {
				unix.Close(fd)
			}
			return 0, "", &os.PathError{Op: "open", Path: comp, Err: unix.ENOENT}
		}

		childFd, oerr := unix.Openat(fd, real, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if oerr != nil {
			if owned {
				unix.Close(fd)
			}
			return 0, "", &os.PathError{Op: "openat", Path: real, Err: oerr}
		}
		if owned {
			unix.Close(fd)
		}
		fd, owned = childFd, true
	}

	leaf = parts[len(parts)-1]
	if real, ok, merr := match(fd, leaf); merr == nil && ok {
		leaf = real
	}
	return fd, leaf, nil
}

func (d *Dir) closeParent(fd int) {
	if fd != d.fd {
		unix.Close(fd)
	}
}

// Open resolves rel case-insensitively and opens the terminal component
// with the given flags. If flags includes O_CREAT and no case-insensitive
// match exists, the component is created using rel's own casing.
func (d *Dir) Open(rel string, flags int, mode os.FileMode) (*os.File, error) {
	parentFd, leaf, err := d.resolveParent(rel)
	if err != nil {
		return nil, err
	}
	defer d.closeParent(parentFd)

	fd, err := unix.Openat(parentFd, leaf, flags|unix.O_CLOEXEC, uint32(mode.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: rel, Err: err}
	}
	return os.NewFile(uintptr(fd), leaf), nil
}

// StatSelf returns d's own attributes (rel == "." would otherwise have no
// parent to resolve against).
func (d *Dir) StatSelf() (os.FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return nil, &os.PathError{Op: "fstat", Path: ".", Err: err}
	}
	return fileInfoFromStat(".", &st), nil
}

// Chtimes sets rel's access and modification times.
func (d *Dir) Chtimes(rel string, atime, mtime time.Time) error {
	parentFd, leaf, err := d.resolveParent(rel)
	if err != nil {
		return err
	}
	defer d.closeParent(parentFd)

	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(parentFd, leaf, times, 0); err != nil {
		return &os.PathError{Op: "utimensat", Path: rel, Err: err}
	}
	return nil
}

// Stat resolves rel case-insensitively and returns its attributes.
func (d *Dir) Stat(rel string) (os.FileInfo, error) {
	parentFd, leaf, err := d.resolveParent(rel)
	if err != nil {
		return nil, err
	}
	defer d.closeParent(parentFd)

	var st unix.Stat_t
	if err := unix.Fstatat(parentFd, leaf, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, &os.PathError{Op: "fstatat", Path: rel, Err: err}
	}
	return fileInfoFromStat(leaf, &st), nil
}

// Unlink resolves rel case-insensitively and removes it. dir selects
// AT_REMOVEDIR for directory removal.
func (d *Dir) Unlink(rel string, dir bool) error {
	parentFd, leaf, err := d.resolveParent(rel)
	if err != nil {
		return err
	}
	defer d.closeParent(parentFd)

	var flags int
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(parentFd, leaf, flags); err != nil {
		return &os.PathError{Op: "unlinkat", Path: rel, Err: err}
	}
	return nil
}

// Mkdir creates the terminal component of rel with mode if no
// case-insensitive match for it already exists; existing entries resolve
// without error, mirroring the overlay builder's idempotent directory
// creation during make_output_path.
func (d *Dir) Mkdir(rel string, mode os.FileMode) error {
	parentFd, leaf, err := d.resolveParent(rel)
	if err != nil {
		return err
	}
	defer d.closeParent(parentFd)

	if err := unix.Mkdirat(parentFd, leaf, uint32(mode.Perm())); err != nil {
		if err == unix.EEXIST {
			return nil
		}
		return &os.PathError{Op: "mkdirat", Path: rel, Err: err}
	}
	return nil
}

// Canonicalize rewrites every component of rel to its real on-disk casing.
// A terminal component with no case-insensitive match is left as given
// (it may be about to be created); a non-terminal component with no match
// is an error, since the walk cannot continue past it.
func (d *Dir) Canonicalize(rel string) (string, error) {
	parts := splitClean(rel)
	if len(parts) == 0 {
		return "", nil
	}
	out := make([]string, len(parts))

	fd := d.fd
	owned := false
	defer func() {
		if owned {
			unix.Close(fd)
		}
	}()

	for i, comp := range parts {
		real, ok, err := match(fd, comp)
		if err != nil {
			return "", err
		}
		if !ok {
			if i != len(parts)-1 {
				return "", &os.PathError{Op: "canonicalize", Path: comp, Err: unix.ENOENT}
			}
			out[i] = comp
			break
		}
		out[i] = real

		if i == len(parts)-1 {
			break
		}

		childFd, err := unix.Openat(fd, real, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return "", &os.PathError{Op: "openat", Path: real, Err: err}
		}
		if owned {
			unix.Close(fd)
		}
		fd, owned = childFd, true
	}

	return strings.Join(out, "/"), nil
}

// Copy streams the full content of rel under d into dstRel under dst,
// creating dstRel with mode if it doesn't already exist under dst's own
// casing rules. The destination is preallocated to the source's size so a
// large copy-on-write redirection doesn't fragment the output layer.
func (d *Dir) Copy(rel string, dst *Dir, dstRel string, mode os.FileMode) error {
	src, err := d.Open(rel, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}

	out, err := dst.Open(dstRel, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if fi.Size() > 0 {
		if err := fallocate.Fallocate(out, 0, fi.Size()); err != nil {
			// Preallocation is an optimization, not a correctness
			// requirement (tmpfs and some network filesystems reject it).
			_ = err
		}
	}

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("casefs: copy %s: %w", rel, err)
	}
	return nil
}

// Rename moves rel from d to dstRel under dst, case-insensitively resolving
// both parents first.
func (d *Dir) Rename(rel string, dst *Dir, dstRel string) error {
	srcParent, srcLeaf, err := d.resolveParent(rel)
	if err != nil {
		return err
	}
	defer d.closeParent(srcParent)

	dstParent, dstLeaf, err := dst.resolveParent(dstRel)
	if err != nil {
		return err
	}
	defer dst.closeParent(dstParent)

	if err := unix.Renameat(srcParent, srcLeaf, dstParent, dstLeaf); err != nil {
		return &os.PathError{Op: "renameat", Path: rel, Err: err}
	}
	return nil
}

func fileInfoFromStat(name string, st *unix.Stat_t) os.FileInfo {
	return &statFileInfo{name: name, st: st}
}

type statFileInfo struct {
	name string
	st   *unix.Stat_t
}

func (fi *statFileInfo) Name() string { return fi.name }
func (fi *statFileInfo) Size() int64  { return fi.st.Size }
func (fi *statFileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.st.Mode & 0777)
	if fi.st.Mode&unix.S_IFDIR != 0 {
		mode |= os.ModeDir
	}
	return mode
}
func (fi *statFileInfo) ModTime() time.Time {
	return time.Unix(fi.st.Mtim.Sec, fi.st.Mtim.Nsec)
}
func (fi *statFileInfo) IsDir() bool      { return fi.st.Mode&unix.S_IFDIR != 0 }
func (fi *statFileInfo) Sys() interface{} { return fi.st }
