package modvfs

import (
	"fmt"
	"io"
	"os"
	"path"

	bazilfuse "bazil.org/fuse"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	lmodvfs "github.com/reithan/lmodvfs"
	"github.com/reithan/lmodvfs/fuseops"
	"github.com/reithan/lmodvfs/fuseutil"
)

// longCacheTimeout is the attribute/entry cache lifetime handed back on
// every reply: the union is stable for the duration of a mount, so there
// is no reason to make the kernel re-validate sooner.
const longCacheTimeout = 512 * 1e9 // 512s, in time.Duration's nanosecond units

// FileSystem is the fuseutil.FileSystem implementation backing the mod
// overlay: every operation consults and mutates a Table via a Registry's
// layers, through casefs for the actual host I/O.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	table   *Table
	reg     *Registry
	clock   timeutil.Clock
	handles *handleTable
}

// NewFileSystem wires a Table already populated by BuildOverlay to the
// registry it was built from.
func NewFileSystem(table *Table, reg *Registry, clock timeutil.Clock) *FileSystem {
	return &FileSystem{
		table:   table,
		reg:     reg,
		clock:   clock,
		handles: newHandleTable(),
	}
}

func (fs *FileSystem) Init(op *fuseops.InitOp) {
	op.Respond(nil)
}

func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) {
	op.MaxNameLen = 256
	op.Respond(nil)
}

// statInode stats the backing object of id through its owning mod,
// combined with the synthetic fields (nlink, mode) the entries themselves
// don't carry.
func (fs *FileSystem) statInode(id fuseops.InodeID) (fuseops.InodeAttributes, error) {
	mod, relPath := fs.table.Mod(id)

	var fi os.FileInfo
	var err error
	if relPath == "" {
		fi, err = mod.Root.StatSelf()
	} else {
		fi, err = mod.Root.Stat(relPath)
	}
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	links, _, _ := fs.table.Counts(id)
	mode := os.FileMode(0666)
	if fs.table.IsDir(id) {
		mode = os.ModeDir | 0755
	}

	now := fs.clock.Now()
	return fuseops.InodeAttributes{
		Size:   uint64(fi.Size()),
		Nlink:  links,
		Mode:   mode,
		Atime:  now,
		Mtime:  fi.ModTime(),
		Ctime:  fi.ModTime(),
		Crtime: fi.ModTime(),
	}, nil
}

func (fs *FileSystem) entry(id fuseops.InodeID) (fuseops.ChildInodeEntry, error) {
	attrs, err := fs.statInode(id)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	exp := fs.clock.Now().Add(longCacheTimeout)
	return fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: exp,
		EntryExpiration:      exp,
	}, nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) {
	idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name)
	if !ok {
		op.Respond(lmodvfs.ENOENT)
		return
	}
	child := fs.table.Entries(op.Parent)[idx].Child
	fs.table.Lookup(child)

	e, err := fs.entry(child)
	if err != nil {
		fs.table.Forget(child, 1)
		op.Respond(toHostError(err))
		return
	}

	op.Entry = e
	op.Respond(nil)
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	attrs, err := fs.statInode(op.Inode)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now().Add(longCacheTimeout)
	op.Respond(nil)
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	// Mode changes have no representation in this system's synthetic
	// attributes; reject rather than silently drop. Owner and group changes
	// are not carried into the op by fuseops.Convert, so they are not
	// rejected here.
	if op.Mode != nil {
		op.Respond(lmodvfs.EACCES)
		return
	}

	if op.Size != nil {
		mod, relPath := fs.table.Mod(op.Inode)
		if mod != fs.reg.Output {
			op.Respond(lmodvfs.EACCES)
			return
		}
		f, err := mod.Root.Open(relPath, unix.O_WRONLY, 0)
		if err != nil {
			op.Respond(toHostError(err))
			return
		}
		err = f.Truncate(int64(*op.Size))
		f.Close()
		if err != nil {
			op.Respond(toHostError(err))
			return
		}
	}

	if op.Atime != nil || op.Mtime != nil {
		mod, relPath := fs.table.Mod(op.Inode)
		now := fs.clock.Now()
		atime, mtime := now, now
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if relPath != "" {
			if err := mod.Root.Chtimes(relPath, atime, mtime); err != nil {
				op.Respond(toHostError(err))
				return
			}
		}
	}

	attrs, err := fs.statInode(op.Inode)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now().Add(longCacheTimeout)
	op.Respond(nil)
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) {
	fs.table.Forget(op.ID, op.N)
	op.Respond(nil)
}

func (fs *FileSystem) BatchForget(op *fuseops.BatchForgetOp) {
	for _, e := range op.Entries {
		fs.table.Forget(e.ID, e.N)
	}
	op.Respond(nil)
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) {
	if _, ok := fs.table.FindDirentIndex(op.Parent, op.Name); ok {
		op.Respond(lmodvfs.EEXIST)
		return
	}

	_, parentPath := fs.table.Mod(op.Parent)
	if _, err := MakeOutputPath(fs.table, fs.reg.Output, parentPath); err != nil {
		op.Respond(toHostError(err))
		return
	}

	newPath := joinRel(parentPath, op.Name)
	if err := fs.reg.Output.Root.Mkdir(newPath, op.Mode); err != nil {
		op.Respond(toHostError(err))
		return
	}

	id := fs.table.Register(true, fs.reg.Output, newPath)
	fs.table.InsertDirent(op.Parent, op.Name, id)
	fs.table.InsertDirent(id, ".", id)
	fs.table.InsertDirent(id, "..", op.Parent)
	fs.table.Lookup(id)

	e, err := fs.entry(id)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.Entry = e
	op.Respond(nil)
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) {
	if idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name); ok {
		if int(op.Flags)&unix.O_EXCL != 0 {
			op.Respond(lmodvfs.EEXIST)
			return
		}
		child := fs.table.Entries(op.Parent)[idx].Child
		r := fs.openExisting(child, op.Flags)
		if r.err != nil {
			op.Respond(toHostError(r.err))
			return
		}
		e, err := fs.entry(child)
		if err != nil {
			r.f.Close()
			op.Respond(toHostError(err))
			return
		}
		fs.table.Lookup(child)
		fs.table.Open(child)
		op.Entry = e
		op.Handle = fs.handles.newFile(child, r.f)
		op.Respond(nil)
		return
	}

	_, parentPath := fs.table.Mod(op.Parent)
	if _, err := MakeOutputPath(fs.table, fs.reg.Output, parentPath); err != nil {
		op.Respond(toHostError(err))
		return
	}
	newPath := joinRel(parentPath, op.Name)

	f, err := fs.reg.Output.Root.Open(newPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, op.Mode)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}

	id := fs.table.Register(false, fs.reg.Output, newPath)
	fs.table.InsertDirent(op.Parent, op.Name, id)
	fs.table.Lookup(id)
	fs.table.Open(id)

	e, err := fs.entry(id)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.Entry = e
	op.Handle = fs.handles.newFile(id, f)
	op.Respond(nil)
}

// openResult carries a handle-ready *os.File or the error that prevented
// opening one, used wherever an existing inode needs to become an open
// host file descriptor (CreateFile's degrade-to-open path, OpenFile).
type openResult struct {
	f   *os.File
	err error
}

func (fs *FileSystem) openExisting(id fuseops.InodeID, flags bazilfuse.OpenFlags) *openResult {
	if isWritable(flags) {
		if mod, _ := fs.table.Mod(id); mod != fs.reg.Output {
			if err := RedirectToOutput(fs.table, fs.reg, id); err != nil {
				return &openResult{err: err}
			}
		}
	}
	mod, relPath := fs.table.Mod(id)
	f, err := mod.Root.Open(relPath, accessFlags(flags), 0)
	if err != nil {
		return &openResult{err: err}
	}
	return &openResult{f: f}
}

func joinRel(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return path.Join(parentPath, name)
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) {
	idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name)
	if !ok {
		op.Respond(lmodvfs.ENOENT)
		return
	}
	child := fs.table.Entries(op.Parent)[idx].Child
	if !fs.table.IsDir(child) {
		op.Respond(lmodvfs.ENOTDIR)
		return
	}
	for _, e := range fs.table.Entries(child) {
		if e.Present && e.Name != "." && e.Name != ".." {
			// Not in the fixed reply vocabulary; the nearest sanctioned code
			// for "can't remove it, it still has content" is EEXIST. See
			// DESIGN.md's error-vocabulary open question.
			op.Respond(lmodvfs.EEXIST)
			return
		}
	}

	_, relPath := fs.table.Mod(child)
	if err := fs.reg.Output.Root.Unlink(relPath, true); err != nil && !isENOENT(err) {
		op.Respond(toHostError(err))
		return
	}

	if idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name); ok {
		fs.table.EraseDirent(op.Parent, idx)
	}
	op.Respond(nil)
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) {
	idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name)
	if !ok {
		op.Respond(lmodvfs.ENOENT)
		return
	}
	child := fs.table.Entries(op.Parent)[idx].Child
	if fs.table.IsDir(child) {
		op.Respond(lmodvfs.EISDIR)
		return
	}

	if mod, relPath := fs.table.Mod(child); mod == fs.reg.Output {
		if err := fs.reg.Output.Root.Unlink(relPath, false); err != nil && !isENOENT(err) {
			op.Respond(toHostError(err))
			return
		}
	}

	if idx, ok := fs.table.FindDirentIndex(op.Parent, op.Name); ok {
		fs.table.EraseDirent(op.Parent, idx)
	}
	op.Respond(nil)
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) {
	srcIdx, ok := fs.table.FindDirentIndex(op.OldParent, op.OldName)
	if !ok {
		op.Respond(lmodvfs.ENOENT)
		return
	}
	srcChild := fs.table.Entries(op.OldParent)[srcIdx].Child
	srcIsDir := fs.table.IsDir(srcChild)

	dstIdx, dstExists := fs.table.FindDirentIndex(op.NewParent, op.NewName)
	var dstChild fuseops.InodeID
	if dstExists {
		dstChild = fs.table.Entries(op.NewParent)[dstIdx].Child
		if dstChild == srcChild {
			op.Respond(nil)
			return
		}
		dstIsDir := fs.table.IsDir(dstChild)
		if dstIsDir != srcIsDir {
			if dstIsDir {
				op.Respond(lmodvfs.EISDIR)
			} else {
				op.Respond(lmodvfs.ENOTDIR)
			}
			return
		}
	}

	if srcIsDir {
		if mod, _ := fs.table.Mod(srcChild); mod != fs.reg.Output {
			// Directory renames across layers are unsupported: the
			// source directory's subtree is spread across whichever
			// layers contributed it, and there is no single backing
			// object to rename.
			op.Respond(lmodvfs.EOPNOTSUPP)
			return
		}
	}

	_, dstParentPath := fs.table.Mod(op.NewParent)
	if _, err := MakeOutputPath(fs.table, fs.reg.Output, dstParentPath); err != nil {
		op.Respond(toHostError(err))
		return
	}
	// Rewrite the destination parent to its real on-disk casing before
	// building the destination path, exactly as the source's rename path
	// canonicalizes its destination directory.
	if canon, err := fs.reg.Output.Root.Canonicalize(dstParentPath); err == nil {
		dstParentPath = canon
	}
	dstPath := joinRel(dstParentPath, op.NewName)

	srcMod, srcPath := fs.table.Mod(srcChild)

	if dstExists {
		if outMod, outPath := fs.table.Mod(dstChild); outMod == fs.reg.Output {
			fs.reg.Output.Root.Unlink(outPath, false)
		}
	}

	if srcMod == fs.reg.Output {
		if err := fs.reg.Output.Root.Rename(srcPath, fs.reg.Output.Root, dstPath); err != nil {
			op.Respond(toHostError(err))
			return
		}
	} else {
		if err := srcMod.Root.Copy(srcPath, fs.reg.Output.Root, dstPath, 0644); err != nil {
			op.Respond(toHostError(err))
			return
		}
	}
	fs.table.Retarget(srcChild, fs.reg.Output, dstPath)

	if idx, ok := fs.table.FindDirentIndex(op.NewParent, op.NewName); ok {
		fs.table.EraseDirent(op.NewParent, idx)
	}
	fs.table.InsertDirent(op.NewParent, op.NewName, srcChild)

	if idx, ok := fs.table.FindDirentIndex(op.OldParent, op.OldName); ok {
		fs.table.EraseDirent(op.OldParent, idx)
	}

	op.Respond(nil)
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) {
	if !fs.table.IsDir(op.Inode) {
		op.Respond(lmodvfs.ENOTDIR)
		return
	}
	fs.table.Open(op.Inode)
	op.Handle = fs.handles.newDir(op.Inode)
	op.Respond(nil)
}

// sentinelName is a synthetic root-directory entry with no backing inode:
// its presence in a listing is how outside tooling detects that a mod
// overlay is mounted at this path. It never resolves via LookUpInode.
const sentinelName = ".LMODORG"

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) {
	entries := fs.table.Entries(op.Inode)
	total := len(entries)
	isRoot := op.Inode == fuseops.RootInodeID
	if isRoot {
		total++ // the synthetic sentinel entry, appended past real entries
	}

	n := 0
	for i := int(op.Offset); i < total; i++ {
		var d fuseops.Dirent

		if i == len(entries) {
			d = fuseops.Dirent{
				Offset: fuseops.DirOffset(i + 1),
				Inode:  op.Inode,
				Name:   sentinelName,
				Type:   fuseops.DT_File,
			}
		} else {
			e := entries[i]
			if !e.Present {
				// Tombstones are skipped entirely: emitting a zero-filled
				// stat for them produces a zero-length record the kernel
				// reads as end-of-directory.
				continue
			}

			attrs, err := fs.statInode(e.Child)
			if err != nil {
				continue
			}

			d = fuseops.Dirent{
				Offset: fuseops.DirOffset(i + 1),
				Inode:  e.Child,
				Name:   e.Name,
				Type:   directDirentType(attrs.Mode),
			}
		}

		written := fuseutil.WriteDirent(op.Dst[n:], d)
		if written == 0 {
			break
		}
		n += written

		if i < len(entries) && entries[i].Name != "." && entries[i].Name != ".." {
			fs.table.Lookup(entries[i].Child)
		}
	}
	op.BytesRead = n
	op.Respond(nil)
}

func directDirentType(mode os.FileMode) fuseops.DirentType {
	if mode&os.ModeDir != 0 {
		return fuseops.DT_Directory
	}
	return fuseops.DT_File
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	h := fs.handles.popDir(op.Handle)
	if h != nil {
		fs.table.Close(h.inode)
	}
	op.Respond(nil)
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) {
	if err := rejectUnsupportedFlags(op.Flags); err != nil {
		op.Respond(lmodvfs.EOPNOTSUPP)
		return
	}

	r := fs.openExisting(op.Inode, op.Flags)
	if r.err != nil {
		op.Respond(toHostError(r.err))
		return
	}

	fs.table.Open(op.Inode)
	op.Handle = fs.handles.newFile(op.Inode, r.f)
	op.Respond(nil)
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) {
	h := fs.handles.file(op.Handle)
	if h == nil {
		// The host only ever hands back a handle id this layer minted; a
		// miss here means the handle table and the host's view of open
		// files have diverged. Class 3 (spec's error handling design):
		// a programmer-invariant violation, not a reportable host error.
		panic(fmt.Sprintf("modvfs: ReadFile on unknown handle %d", op.Handle))
	}
	n, err := h.f.ReadAt(op.Dst, op.Offset)
	if err != nil && err != io.EOF {
		op.Respond(toHostError(err))
		return
	}
	op.BytesRead = n
	op.Respond(nil)
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) {
	h := fs.handles.file(op.Handle)
	if h == nil {
		panic(fmt.Sprintf("modvfs: WriteFile on unknown handle %d", op.Handle))
	}
	if _, err := h.f.WriteAt(op.Data, op.Offset); err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.Respond(nil)
}

func (fs *FileSystem) Lseek(op *fuseops.LseekOp) {
	h := fs.handles.file(op.Handle)
	if h == nil {
		panic(fmt.Sprintf("modvfs: Lseek on unknown handle %d", op.Handle))
	}
	off, err := Lseek(int(h.f.Fd()), op.Offset, op.Whence)
	if err != nil {
		op.Respond(toHostError(err))
		return
	}
	op.ResultOffset = off
	op.Respond(nil)
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) {
	if h := fs.handles.file(op.Handle); h != nil {
		h.f.Sync()
	}
	op.Respond(nil)
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) {
	op.Respond(nil)
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	h := fs.handles.popFile(op.Handle)
	if h != nil {
		h.f.Close()
		fs.table.Close(h.inode)
	}
	op.Respond(nil)
}

func isWritable(flags bazilfuse.OpenFlags) bool {
	mode := int(flags) & unix.O_ACCMODE
	return mode == unix.O_WRONLY || mode == unix.O_RDWR
}

func accessFlags(flags bazilfuse.OpenFlags) int {
	return int(flags) &^ (unix.O_APPEND | unix.O_DIRECT | unix.O_NOATIME | unix.O_PATH | unix.O_DIRECTORY)
}

func rejectUnsupportedFlags(flags bazilfuse.OpenFlags) error {
	const unsupported = unix.O_APPEND | unix.O_DIRECT | unix.O_NOATIME | unix.O_PATH | unix.O_DIRECTORY
	if int(flags)&unsupported != 0 {
		return lmodvfs.EOPNOTSUPP
	}
	return nil
}
