// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fuseops contains the op-struct vocabulary dispatched by the host
// adapter (package fuse) to a fuseutil.FileSystem. Each Op is a mutable
// in/out struct: a file system fills in the result fields and calls
// Respond(nil), or calls Respond(err) to report a failure.
package fuseops

import (
	"context"
	"os"
	"time"

	bazilfuse "bazil.org/fuse"
)

// Every op struct embeds this for Header/Context/Logf/Respond plumbing and
// the bazil.org/fuse request it was converted from.
type Op interface {
	Header() OpHeader
	Context() context.Context
	Logf(format string, v ...interface{})
	Respond(err error)
}

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

// Sent once when mounting the file system. It must succeed in order for the
// mount to succeed.
type InitOp struct {
	commonOp
}

func (op *InitOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

// A synthetic statfs(2) reply. The overlay filesystem has no meaningful
// block/free-space accounting of its own: it sets only MaxNameLen (the
// f_namemax reported to the kernel) and leaves every other field zero.
type StatFSOp struct {
	commonOp

	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	IoSize     uint32
	Inodes     uint64
	InodesFree uint64
	MaxNameLen uint32
}

func (op *StatFSOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.StatfsResponse{
		Blocks:  op.Blocks,
		Bfree:   op.BlocksFree,
		Bavail:  op.BlocksFree,
		Bsize:   op.BlockSize,
		Files:   op.Inodes,
		Ffree:   op.InodesFree,
		Namelen: op.MaxNameLen,
		Frsize:  op.BlockSize,
	})
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// Look up a child by name within a parent directory.
type LookUpInodeOp struct {
	commonOp

	Parent InodeID
	Name   string

	Entry ChildInodeEntry
}

func (op *LookUpInodeOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.LookupResponse{
		Node:       bazilfuse.NodeID(op.Entry.Child),
		Generation: uint64(op.Entry.Generation),
		EntryValid: entryValidDuration(op.Entry.EntryExpiration),
		Attr:       convertAttributes(op.Entry.Child, op.Entry.Attributes),
	})
}

// Refresh attributes for an inode whose ID was previously returned by
// LookUpInode or a sibling creation op.
type GetInodeAttributesOp struct {
	commonOp

	Inode InodeID

	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *GetInodeAttributesOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.GetattrResponse{
		Attr: convertAttributes(op.Inode, op.Attributes),
	})
}

// Change attributes for an inode (chmod(2), truncate(2), utimes(2), ...).
type SetInodeAttributesOp struct {
	commonOp

	Inode InodeID

	Size  *uint64
	Mode  *os.FileMode
	Atime *time.Time
	Mtime *time.Time

	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *SetInodeAttributesOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.SetattrResponse{
		Attr: convertAttributes(op.Inode, op.Attributes),
	})
}

// Forget an inode ID previously issued. The kernel calls this when evicting
// an inode from its dentry/inode caches.
type ForgetInodeOp struct {
	commonOp

	ID InodeID
	N  uint64
}

func (op *ForgetInodeOp) Respond(err error) {
	// The kernel does not expect a reply to FORGET.
	op.respond(nil)
}

// A batched version of ForgetInodeOp, sent when the kernel evicts several
// inodes from its caches at once (FUSE_BATCH_FORGET).
type BatchForgetOp struct {
	commonOp

	Entries []ForgetEntry
}

type ForgetEntry struct {
	ID InodeID
	N  uint64
}

func (op *BatchForgetOp) Respond(err error) {
	op.respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

type MkDirOp struct {
	commonOp

	Parent InodeID
	Name   string
	Mode   os.FileMode

	Entry ChildInodeEntry
}

func (op *MkDirOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.MkdirResponse{
		LookupResponse: bazilfuse.LookupResponse{
			Node:       bazilfuse.NodeID(op.Entry.Child),
			Generation: uint64(op.Entry.Generation),
			EntryValid: entryValidDuration(op.Entry.EntryExpiration),
			Attr:       convertAttributes(op.Entry.Child, op.Entry.Attributes),
		},
	})
}

type CreateFileOp struct {
	commonOp

	Parent InodeID
	Name   string
	Mode   os.FileMode
	Flags  bazilfuse.OpenFlags

	Entry  ChildInodeEntry
	Handle HandleID
}

func (op *CreateFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.CreateResponse{
		LookupResponse: bazilfuse.LookupResponse{
			Node:       bazilfuse.NodeID(op.Entry.Child),
			Generation: uint64(op.Entry.Generation),
			EntryValid: entryValidDuration(op.Entry.EntryExpiration),
			Attr:       convertAttributes(op.Entry.Child, op.Entry.Attributes),
		},
		OpenResponse: bazilfuse.OpenResponse{
			Handle: bazilfuse.HandleID(op.Handle),
		},
	})
}

////////////////////////////////////////////////////////////////////////
// Inode destruction
////////////////////////////////////////////////////////////////////////

type RmDirOp struct {
	commonOp

	Parent InodeID
	Name   string
}

func (op *RmDirOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

type UnlinkOp struct {
	commonOp

	Parent InodeID
	Name   string
}

func (op *UnlinkOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

// Rename a child from one (parent, name) to another. The overlay filesystem
// only supports this when the source is a file, or a directory wholly owned
// by the output layer; anything else fails with EOPNOTSUPP (see
// modvfs/fs.go's Rename and DESIGN.md's "Directory rename across layers"
// entry).
type RenameOp struct {
	commonOp

	OldParent InodeID
	OldName   string
	NewParent InodeID
	NewName   string
}

func (op *RenameOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

type OpenDirOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID
}

func (op *OpenDirOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(op.Handle)})
}

type ReadDirOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID

	// Offset is the Dirent.Offset of the last entry the kernel already
	// consumed (zero to start). FUSE offers no way to intercept seeks, so a
	// file system indexes its listing by position with it.
	Offset DirOffset
	Size   int

	Dst []byte
	// Set by the file system to the number of bytes written into Dst.
	BytesRead int
}

func (op *ReadDirOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.ReadResponse{Data: op.Dst[:op.BytesRead]})
}

type ReleaseDirHandleOp struct {
	commonOp

	Handle HandleID
}

func (op *ReleaseDirHandleOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

type OpenFileOp struct {
	commonOp

	Inode InodeID
	Flags bazilfuse.OpenFlags

	Handle HandleID
}

func (op *OpenFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(op.Handle)})
}

type ReadFileOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID

	Offset int64
	Size   int

	Dst []byte
	// Set by the file system: the number of bytes written into Dst. Fewer
	// than Size indicates EOF; that is not itself an error.
	BytesRead int
}

func (op *ReadFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.ReadResponse{Data: op.Dst[:op.BytesRead]})
}

type WriteFileOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID

	Offset int64
	Data   []byte
}

func (op *WriteFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(&bazilfuse.WriteResponse{Size: len(op.Data)})
}

// Seek to the next offset at or after Offset that contains data (Whence ==
// SeekData) or a hole (Whence == SeekHole). See DESIGN.md's "lseek polarity"
// entry: the source this system is modeled on reports success and failure
// the other way round.
type LseekOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID
	Offset int64
	Whence LseekWhence

	ResultOffset int64
}

type LseekWhence int

const (
	SeekData LseekWhence = iota
	SeekHole
)

func (op *LseekOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

type SyncFileOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID
}

func (op *SyncFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

type FlushFileOp struct {
	commonOp

	Inode  InodeID
	Handle HandleID
}

func (op *FlushFileOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

type ReleaseFileHandleOp struct {
	commonOp

	Handle HandleID
}

func (op *ReleaseFileHandleOp) Respond(err error) {
	if err != nil {
		op.respondErr(err)
		return
	}
	op.respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func entryValidDuration(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func convertAttributes(id InodeID, attr InodeAttributes) bazilfuse.Attr {
	return bazilfuse.Attr{
		Inode:  uint64(id),
		Size:   attr.Size,
		Nlink:  uint32(attr.Nlink),
		Mode:   attr.Mode,
		Atime:  attr.Atime,
		Mtime:  attr.Mtime,
		Ctime:  attr.Ctime,
		Crtime: attr.Crtime,
		Uid:    attr.Uid,
		Gid:    attr.Gid,
	}
}
