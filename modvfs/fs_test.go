package modvfs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	bazilfuse "bazil.org/fuse"
	"github.com/jacobsa/timeutil"

	"github.com/reithan/lmodvfs/fuseops"
)

// fakeBazilRequest stands in for the bazil.org/fuse request a real kernel
// round trip would hand to fuseops.Convert, letting these tests drive a
// FileSystem's op methods directly without a live mount. It only needs to
// satisfy the handful of members commonOp actually touches: Hdr (for
// op.Header()), RespondError (for the error path), and a reflection-found
// Respond — which every op-specific *bazilfuse.XxxResponse and the
// zero-argument acks both resolve to here, since it's declared variadic.
type fakeBazilRequest struct {
	hdr bazilfuse.Header

	acked    bool
	respErr  error
	respWith interface{}
}

func (r *fakeBazilRequest) Hdr() *bazilfuse.Header { return &r.hdr }

func (r *fakeBazilRequest) RespondError(err error) { r.respErr = err }

func (r *fakeBazilRequest) String() string { return "fakeBazilRequest" }

func (r *fakeBazilRequest) Respond(resp ...interface{}) {
	r.acked = true
	if len(resp) > 0 {
		r.respWith = resp[0]
	}
}

// initOp wires op to a fresh fakeBazilRequest via the same commonOp.init
// path a real kernel conversion uses (fuseops.Convert), so op.Respond
// drives a real, working reply path instead of panicking on a nil
// bazilReq.
func initOp(op interface {
	InitForTesting(reflect.Type, bazilfuse.Request)
}) *fakeBazilRequest {
	req := &fakeBazilRequest{}
	op.InitForTesting(reflect.TypeOf(op), req)
	return req
}

// fixture is a small overlay with a loopback layer, one user mod, and an
// output layer, wired the way NewFileSystem expects.
type fixture struct {
	fs       *FileSystem
	table    *Table
	reg      *Registry
	loopback string
	mod      string
	output   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loopback, mod, output := t.TempDir(), t.TempDir(), t.TempDir()

	writeFile(t, loopback, "Data/readme.txt", "loopback")
	writeFile(t, loopback, "Data/lower_only.txt", "lower-only")
	writeFile(t, mod, "Data/readme.txt", "mod-wins")

	reg := &Registry{
		Loopback: openMod(t, "loopback", loopback),
		Users:    []*Mod{openMod(t, "mod", mod)},
		Output:   openMod(t, "output", output),
	}

	table := NewTable(64)
	if err := BuildOverlay(table, reg); err != nil {
		t.Fatalf("BuildOverlay: %v", err)
	}

	fs := NewFileSystem(table, reg, timeutil.RealClock())
	return &fixture{fs: fs, table: table, reg: reg, loopback: loopback, mod: mod, output: output}
}

func (fx *fixture) lookup(t *testing.T, parent fuseops.InodeID, name string) (*fuseops.LookUpInodeOp, *fakeBazilRequest) {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	req := initOp(op)
	fx.fs.LookUpInode(op)
	return op, req
}

func (fx *fixture) mustLookup(t *testing.T, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op, req := fx.lookup(t, parent, name)
	if req.respErr != nil {
		t.Fatalf("lookup(%d, %q): %v", parent, name, req.respErr)
	}
	return op.Entry.Child
}

func (fx *fixture) openDir(t *testing.T, dir fuseops.InodeID) fuseops.HandleID {
	t.Helper()
	op := &fuseops.OpenDirOp{Inode: dir}
	req := initOp(op)
	fx.fs.OpenDir(op)
	if req.respErr != nil {
		t.Fatalf("OpenDir(%d): %v", dir, req.respErr)
	}
	return op.Handle
}

func (fx *fixture) readDir(t *testing.T, dir fuseops.InodeID, handle fuseops.HandleID) *fuseops.ReadDirOp {
	t.Helper()
	op := &fuseops.ReadDirOp{
		Inode:  dir,
		Handle: handle,
		Offset: 0,
		Size:   64 * 1024,
		Dst:    make([]byte, 64*1024),
	}
	req := initOp(op)
	fx.fs.ReadDir(op)
	if req.respErr != nil {
		t.Fatalf("ReadDir(%d): %v", dir, req.respErr)
	}
	return op
}

// listNames returns the names (other than . and ..) that a ReadDir call for
// dir actually emits, including the synthetic sentinel at the root: this
// exercises OpenDir and ReadDir end to end and decodes the fuse_dirent
// records ReadDir wrote into its reply buffer.
func (fx *fixture) listNames(t *testing.T, dir fuseops.InodeID) []string {
	t.Helper()
	handle := fx.openDir(t, dir)
	op := fx.readDir(t, dir, handle)

	const direntHeader = 8 + 8 + 4 + 4 // ino, off, namelen, type
	var names []string
	buf := op.Dst[:op.BytesRead]
	for len(buf) >= direntHeader {
		namelen := int(binary.NativeEndian.Uint32(buf[16:20]))
		name := string(buf[direntHeader : direntHeader+namelen])
		if name != "." && name != ".." {
			names = append(names, name)
		}
		buf = buf[(direntHeader+namelen+7)&^7:]
	}
	return names
}

func (fx *fixture) readWholeFile(t *testing.T, id fuseops.InodeID) string {
	t.Helper()
	openOp := &fuseops.OpenFileOp{Inode: id, Flags: bazilfuse.OpenFlags(os.O_RDONLY)}
	openReq := initOp(openOp)
	fx.fs.OpenFile(openOp)
	if openReq.respErr != nil {
		t.Fatalf("OpenFile(%d): %v", id, openReq.respErr)
	}

	readOp := &fuseops.ReadFileOp{
		Inode:  id,
		Handle: openOp.Handle,
		Offset: 0,
		Size:   4096,
		Dst:    make([]byte, 4096),
	}
	readReq := initOp(readOp)
	fx.fs.ReadFile(readOp)
	if readReq.respErr != nil {
		t.Fatalf("ReadFile(%d): %v", id, readReq.respErr)
	}
	return string(readOp.Dst[:readOp.BytesRead])
}

// TestLookUpInodeCaseInsensitiveResolvesSameInode covers the
// case-insensitive lookup end-to-end scenario: looking up a child by two
// different castings of the same name resolves to the same inode.
func TestLookUpInodeCaseInsensitiveResolvesSameInode(t *testing.T) {
	fx := newFixture(t)

	dataID := fx.mustLookup(t, fuseops.RootInodeID, "data")
	dataIDUpper := fx.mustLookup(t, fuseops.RootInodeID, "DATA")
	if dataID != dataIDUpper {
		t.Fatalf("case-insensitive lookups of Data diverged: %d vs %d", dataID, dataIDUpper)
	}

	_, req := fx.lookup(t, fuseops.RootInodeID, "nonexistent")
	if req.respErr == nil {
		t.Fatal("expected lookup of a missing name to fail")
	}
}

// TestReadDirReflectsOverlayPrecedenceAndSentinel covers the overlay
// precedence and sentinel-visibility end-to-end scenarios together: a
// directory listing must show the later mod's content winning over the
// loopback layer, the loopback-only file a shadowing mod didn't touch, and
// the synthetic .LMODORG entry at the root.
func TestReadDirReflectsOverlayPrecedenceAndSentinel(t *testing.T) {
	fx := newFixture(t)

	rootNames := fx.listNames(t, fuseops.RootInodeID)
	if !containsName(rootNames, sentinelName) {
		t.Fatalf("root listing %v missing sentinel %q", rootNames, sentinelName)
	}

	dataID := fx.mustLookup(t, fuseops.RootInodeID, "Data")
	dataNames := fx.listNames(t, dataID)
	for _, want := range []string{"readme.txt", "lower_only.txt"} {
		if !containsName(dataNames, want) {
			t.Fatalf("Data listing %v missing expected entry %q", dataNames, want)
		}
	}

	fileID := fx.mustLookup(t, dataID, "readme.txt")
	if mod, _ := fx.table.Mod(fileID); mod.Name != "mod" {
		t.Fatalf("readme.txt owning mod = %s, want mod (last writer wins)", mod.Name)
	}
	content := fx.readWholeFile(t, fileID)
	if content != "mod-wins" {
		t.Fatalf("readme.txt content = %q, want %q", content, "mod-wins")
	}
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// TestWriteFileRedirectsToOutputLeavingLowerLayerUntouched covers the
// copy-on-write end-to-end scenario: opening a loopback/mod-backed file
// for writing must redirect it into the output layer and leave the
// originating layer's file unchanged.
func TestWriteFileRedirectsToOutputLeavingLowerLayerUntouched(t *testing.T) {
	fx := newFixture(t)

	dataID := fx.mustLookup(t, fuseops.RootInodeID, "Data")
	fileID := fx.mustLookup(t, dataID, "readme.txt")
	if mod, _ := fx.table.Mod(fileID); mod != fx.reg.Users[0] {
		t.Fatalf("expected readme.txt initially backed by the mod layer, got %s", mod.Name)
	}

	openOp := &fuseops.OpenFileOp{Inode: fileID, Flags: bazilfuse.OpenFlags(os.O_WRONLY)}
	openReq := initOp(openOp)
	fx.fs.OpenFile(openOp)
	if openReq.respErr != nil {
		t.Fatalf("OpenFile(O_WRONLY): %v", openReq.respErr)
	}

	writeOp := &fuseops.WriteFileOp{Inode: fileID, Handle: openOp.Handle, Offset: 0, Data: []byte("rewritten")}
	writeReq := initOp(writeOp)
	fx.fs.WriteFile(writeOp)
	if writeReq.respErr != nil {
		t.Fatalf("WriteFile: %v", writeReq.respErr)
	}

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}
	releaseReq := initOp(releaseOp)
	fx.fs.ReleaseFileHandle(releaseOp)
	if releaseReq.respErr != nil {
		t.Fatalf("ReleaseFileHandle: %v", releaseReq.respErr)
	}

	if mod, relPath := fx.table.Mod(fileID); mod != fx.reg.Output {
		t.Fatalf("expected readme.txt retargeted to output, got %s/%s", mod.Name, relPath)
	}

	got, err := os.ReadFile(filepath.Join(fx.output, "Data", "readme.txt"))
	if err != nil {
		t.Fatalf("expected copy-on-write output file: %v", err)
	}
	if string(got) != "rewritten" {
		t.Fatalf("output file content = %q, want %q", got, "rewritten")
	}

	lowerStillOriginal, err := os.ReadFile(filepath.Join(fx.mod, "Data", "readme.txt"))
	if err != nil {
		t.Fatalf("expected original mod file to remain: %v", err)
	}
	if string(lowerStillOriginal) != "mod-wins" {
		t.Fatalf("lower layer file was mutated: got %q", lowerStillOriginal)
	}
}

// TestRenameAcrossLowerLayerRedirectsToOutput covers the rename-across-a-
// lower-layer end-to-end scenario: renaming a loopback/mod-backed file
// leaves an output-backed file at the new name, and the old name no
// longer resolves.
func TestRenameAcrossLowerLayerRedirectsToOutput(t *testing.T) {
	fx := newFixture(t)

	dataID := fx.mustLookup(t, fuseops.RootInodeID, "Data")

	renameOp := &fuseops.RenameOp{
		OldParent: dataID,
		OldName:   "lower_only.txt",
		NewParent: dataID,
		NewName:   "renamed.txt",
	}
	renameReq := initOp(renameOp)
	fx.fs.Rename(renameOp)
	if renameReq.respErr != nil {
		t.Fatalf("Rename: %v", renameReq.respErr)
	}

	if _, ok := fx.table.FindDirentIndex(dataID, "lower_only.txt"); ok {
		t.Fatal("old name still resolves after rename")
	}

	newID := fx.mustLookup(t, dataID, "renamed.txt")
	if mod, relPath := fx.table.Mod(newID); mod != fx.reg.Output || relPath != "Data/renamed.txt" {
		t.Fatalf("renamed file backed by %s/%s, want output/Data/renamed.txt", mod.Name, relPath)
	}

	if _, err := os.Stat(filepath.Join(fx.output, "Data", "renamed.txt")); err != nil {
		t.Fatalf("expected renamed file to exist in output: %v", err)
	}
}

// TestUnlinkHidesLoopbackOnlyFileButLeavesItOnDisk covers the
// unlink-hides-lower-layer end-to-end scenario: unlinking a file whose
// only backing copy is in a lower layer succeeds, vanishes from the
// overlay, but the lower layer's file is left untouched on disk.
func TestUnlinkHidesLoopbackOnlyFileButLeavesItOnDisk(t *testing.T) {
	fx := newFixture(t)

	dataID := fx.mustLookup(t, fuseops.RootInodeID, "Data")
	fileID := fx.mustLookup(t, dataID, "lower_only.txt")
	if mod, _ := fx.table.Mod(fileID); mod != fx.reg.Loopback {
		t.Fatalf("expected lower_only.txt backed by loopback, got %s", mod.Name)
	}

	unlinkOp := &fuseops.UnlinkOp{Parent: dataID, Name: "lower_only.txt"}
	unlinkReq := initOp(unlinkOp)
	fx.fs.Unlink(unlinkOp)
	if unlinkReq.respErr != nil {
		t.Fatalf("Unlink: %v", unlinkReq.respErr)
	}

	if _, ok := fx.table.FindDirentIndex(dataID, "lower_only.txt"); ok {
		t.Fatal("unlinked file still present in overlay directory")
	}

	if _, err := os.Stat(filepath.Join(fx.loopback, "Data", "lower_only.txt")); err != nil {
		t.Fatalf("expected loopback file to remain on disk: %v", err)
	}
}
