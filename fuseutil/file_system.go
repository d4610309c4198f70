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

package fuseutil

import (
	"io"

	lmodvfs "github.com/reithan/lmodvfs"
	"github.com/reithan/lmodvfs/fuseops"
)

// An interface with a method for each op type dispatched by Connection. Used
// together with NewFileSystemServer to avoid writing a "dispatch loop" that
// switches on op types, instead receiving typed method calls directly.
//
// Each method is responsible for calling Respond on the supplied op.
//
// See NotImplementedFileSystem for a convenient way to embed default ENOSYS
// implementations for methods a given file system doesn't care about.
type FileSystem interface {
	Init(*fuseops.InitOp)
	StatFS(*fuseops.StatFSOp)

	LookUpInode(*fuseops.LookUpInodeOp)
	GetInodeAttributes(*fuseops.GetInodeAttributesOp)
	SetInodeAttributes(*fuseops.SetInodeAttributesOp)
	ForgetInode(*fuseops.ForgetInodeOp)
	BatchForget(*fuseops.BatchForgetOp)

	MkDir(*fuseops.MkDirOp)
	CreateFile(*fuseops.CreateFileOp)
	RmDir(*fuseops.RmDirOp)
	Unlink(*fuseops.UnlinkOp)
	Rename(*fuseops.RenameOp)

	OpenDir(*fuseops.OpenDirOp)
	ReadDir(*fuseops.ReadDirOp)
	ReleaseDirHandle(*fuseops.ReleaseDirHandleOp)

	OpenFile(*fuseops.OpenFileOp)
	ReadFile(*fuseops.ReadFileOp)
	WriteFile(*fuseops.WriteFileOp)
	Lseek(*fuseops.LseekOp)
	SyncFile(*fuseops.SyncFileOp)
	FlushFile(*fuseops.FlushFileOp)
	ReleaseFileHandle(*fuseops.ReleaseFileHandleOp)
}

// Create a lmodvfs.Server that handles ops by calling the associated
// FileSystem method. Ops this package doesn't model (ioctl, xattrs,
// locking) are answered directly with ENOSYS.
//
// Each call to a FileSystem method runs on its own goroutine and is free to
// block.
//
// (It is safe to naively process ops concurrently because the kernel
// guarantees to serialize operations the user expects to happen in order,
// cf. the fuse-devel thread "Fuse guarantees on concurrent requests". The
// overlay filesystem behind this interface serializes the parts that
// actually need it — the inode table — behind its own lock.)
func NewFileSystemServer(fs FileSystem) lmodvfs.Server {
	return fileSystemServer{fs}
}

// A convenience function for methods that want to respond with the current
// value of a named error return on their way out.
func RespondToOp(op fuseops.Op, err *error) {
	op.Respond(*err)
}

type fileSystemServer struct {
	fs FileSystem
}

func (s fileSystemServer) ServeOps(c *lmodvfs.Connection) {
	for {
		op, err := c.ReadOp()
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(err)
		}

		go s.handleOp(op)
	}
}

func (s fileSystemServer) handleOp(op fuseops.Op) {
	switch typed := op.(type) {
	default:
		op.Respond(lmodvfs.ENOSYS)

	case *fuseops.InitOp:
		s.fs.Init(typed)
	case *fuseops.StatFSOp:
		s.fs.StatFS(typed)
	case *fuseops.LookUpInodeOp:
		s.fs.LookUpInode(typed)
	case *fuseops.GetInodeAttributesOp:
		s.fs.GetInodeAttributes(typed)
	case *fuseops.SetInodeAttributesOp:
		s.fs.SetInodeAttributes(typed)
	case *fuseops.ForgetInodeOp:
		s.fs.ForgetInode(typed)
	case *fuseops.BatchForgetOp:
		s.fs.BatchForget(typed)
	case *fuseops.MkDirOp:
		s.fs.MkDir(typed)
	case *fuseops.CreateFileOp:
		s.fs.CreateFile(typed)
	case *fuseops.RmDirOp:
		s.fs.RmDir(typed)
	case *fuseops.UnlinkOp:
		s.fs.Unlink(typed)
	case *fuseops.RenameOp:
		s.fs.Rename(typed)
	case *fuseops.OpenDirOp:
		s.fs.OpenDir(typed)
	case *fuseops.ReadDirOp:
		s.fs.ReadDir(typed)
	case *fuseops.ReleaseDirHandleOp:
		s.fs.ReleaseDirHandle(typed)
	case *fuseops.OpenFileOp:
		s.fs.OpenFile(typed)
	case *fuseops.ReadFileOp:
		s.fs.ReadFile(typed)
	case *fuseops.WriteFileOp:
		s.fs.WriteFile(typed)
	case *fuseops.LseekOp:
		s.fs.Lseek(typed)
	case *fuseops.SyncFileOp:
		s.fs.SyncFile(typed)
	case *fuseops.FlushFileOp:
		s.fs.FlushFile(typed)
	case *fuseops.ReleaseFileHandleOp:
		s.fs.ReleaseFileHandle(typed)
	}
}
