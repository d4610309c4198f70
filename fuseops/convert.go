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

package fuseops

import (
	"context"
	"reflect"
	"sync"

	bazilfuse "bazil.org/fuse"
)

// Convert the supplied bazil.org/fuse request into an Op, returning nil if
// the request type is not one this package models (e.g. ioctl, xattrs,
// locking); Connection.ReadOp answers those with ENOSYS.
//
// This is an implementation detail of package fuse's dispatch loop.
func Convert(
	ctx context.Context,
	r bazilfuse.Request,
	log func(int, string, ...interface{}),
	opsInFlight *sync.WaitGroup) (o Op) {
	var co *commonOp

	switch typed := r.(type) {
	case *bazilfuse.InitRequest:
		to := &InitOp{}
		o, co = to, &to.commonOp

	case *bazilfuse.StatfsRequest:
		to := &StatFSOp{}
		o, co = to, &to.commonOp

	case *bazilfuse.LookupRequest:
		to := &LookUpInodeOp{
			Parent: InodeID(typed.Hdr().Node),
			Name:   typed.Name,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.GetattrRequest:
		to := &GetInodeAttributesOp{
			Inode: InodeID(typed.Hdr().Node),
		}
		o, co = to, &to.commonOp

	case *bazilfuse.SetattrRequest:
		to := &SetInodeAttributesOp{
			Inode: InodeID(typed.Hdr().Node),
		}
		if typed.Valid.Size() {
			size := typed.Size
			to.Size = &size
		}
		if typed.Valid.Mode() {
			mode := typed.Mode
			to.Mode = &mode
		}
		if typed.Valid.Atime() {
			atime := typed.Atime
			to.Atime = &atime
		}
		if typed.Valid.Mtime() {
			mtime := typed.Mtime
			to.Mtime = &mtime
		}
		o, co = to, &to.commonOp

	case *bazilfuse.ForgetRequest:
		to := &ForgetInodeOp{
			ID: InodeID(typed.Hdr().Node),
			N:  typed.N,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.BatchForgetRequest:
		to := &BatchForgetOp{}
		for _, item := range typed.Forget {
			to.Entries = append(to.Entries, ForgetEntry{
				ID: InodeID(item.NodeID),
				N:  item.N,
			})
		}
		o, co = to, &to.commonOp

	case *bazilfuse.MkdirRequest:
		to := &MkDirOp{
			Parent: InodeID(typed.Hdr().Node),
			Name:   typed.Name,
			Mode:   typed.Mode,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.CreateRequest:
		to := &CreateFileOp{
			Parent: InodeID(typed.Hdr().Node),
			Name:   typed.Name,
			Mode:   typed.Mode,
			Flags:  typed.Flags,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.RemoveRequest:
		if typed.Dir {
			to := &RmDirOp{
				Parent: InodeID(typed.Hdr().Node),
				Name:   typed.Name,
			}
			o, co = to, &to.commonOp
		} else {
			to := &UnlinkOp{
				Parent: InodeID(typed.Hdr().Node),
				Name:   typed.Name,
			}
			o, co = to, &to.commonOp
		}

	case *bazilfuse.RenameRequest:
		to := &RenameOp{
			OldParent: InodeID(typed.Hdr().Node),
			OldName:   typed.OldName,
			NewParent: InodeID(typed.NewDir),
			NewName:   typed.NewName,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.OpenRequest:
		if typed.Dir {
			to := &OpenDirOp{Inode: InodeID(typed.Hdr().Node)}
			o, co = to, &to.commonOp
		} else {
			to := &OpenFileOp{
				Inode: InodeID(typed.Hdr().Node),
				Flags: typed.Flags,
			}
			o, co = to, &to.commonOp
		}

	case *bazilfuse.ReadRequest:
		if typed.Dir {
			to := &ReadDirOp{
				Inode:  InodeID(typed.Hdr().Node),
				Handle: HandleID(typed.Handle),
				Offset: DirOffset(typed.Offset),
				Size:   typed.Size,
				Dst:    make([]byte, typed.Size),
			}
			o, co = to, &to.commonOp
		} else {
			to := &ReadFileOp{
				Inode:  InodeID(typed.Hdr().Node),
				Handle: HandleID(typed.Handle),
				Offset: typed.Offset,
				Size:   typed.Size,
				Dst:    make([]byte, typed.Size),
			}
			o, co = to, &to.commonOp
		}

	case *bazilfuse.ReleaseRequest:
		if typed.Dir {
			to := &ReleaseDirHandleOp{Handle: HandleID(typed.Handle)}
			o, co = to, &to.commonOp
		} else {
			to := &ReleaseFileHandleOp{Handle: HandleID(typed.Handle)}
			o, co = to, &to.commonOp
		}

	case *bazilfuse.WriteRequest:
		to := &WriteFileOp{
			Inode:  InodeID(typed.Hdr().Node),
			Handle: HandleID(typed.Handle),
			Offset: typed.Offset,
			Data:   typed.Data,
		}
		o, co = to, &to.commonOp

	case *bazilfuse.FsyncRequest:
		to := &SyncFileOp{
			Inode:  InodeID(typed.Hdr().Node),
			Handle: HandleID(typed.Handle),
		}
		o, co = to, &to.commonOp

	case *bazilfuse.FlushRequest:
		to := &FlushFileOp{
			Inode:  InodeID(typed.Hdr().Node),
			Handle: HandleID(typed.Handle),
		}
		o, co = to, &to.commonOp

	default:
		return nil
	}

	co.init(ctx, reflect.TypeOf(o), r, log, opsInFlight)
	return o
}
