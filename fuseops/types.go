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
	"fmt"
	"os"
	"time"

	bazilfuse "bazil.org/fuse"
)

// A 64-bit number used to uniquely identify a file or directory in the file
// system. File systems may mint inode IDs with any value except for
// RootInodeID.
type InodeID uint64

// A distinguished inode ID that identifies the root of the file system.
const RootInodeID = 1

func init() {
	if RootInodeID != bazilfuse.RootID {
		panic(
			fmt.Sprintf(
				"Oops, RootInodeID is wrong: %v vs. %v",
				RootInodeID,
				bazilfuse.RootID))
	}
}

// An opaque 64-bit number used to identify a particular open handle to a
// file or directory. Corresponds to fuse_file_info::fh.
type HandleID uint64

// An offset into an open directory handle. Opaque to FUSE; the file system
// may use it however it likes, e.g. as an index into a cached listing.
type DirOffset uint64

// A generation number for an inode, relevant only to file systems that
// reuse inode IDs and also care about NFS export.
type GenerationNumber uint64

// Credentials and other information carried on every request.
type OpHeader struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

// Attributes for a file or directory inode.
type InodeAttributes struct {
	Size  uint64
	Nlink uint64
	Mode  os.FileMode

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	Uid uint32
	Gid uint32
}

// Information about a child inode within its parent directory, returned by
// LookUpInode, MkDir, CreateFile and similar operations so the kernel can
// populate its dentry cache.
type ChildInodeEntry struct {
	Child      InodeID
	Generation GenerationNumber
	Attributes InodeAttributes

	// Leave at the zero value to disable caching of either kind.
	AttributesExpiration time.Time
	EntryExpiration      time.Time
}

// The kind of object a Dirent names.
type DirentType uint32

// Values match the DT_* constants from <dirent.h>.
const (
	DT_Unknown   DirentType = 0
	DT_FIFO      DirentType = 1
	DT_Char      DirentType = 2
	DT_Directory DirentType = 4
	DT_Block     DirentType = 6
	DT_File      DirentType = 8
	DT_Link      DirentType = 10
	DT_Socket    DirentType = 12
)

// A single name/inode pair returned by ReadDir, in the shape consumed by
// fuseutil.WriteDirent.
type Dirent struct {
	Offset DirOffset
	Inode  InodeID
	Name   string
	Type   DirentType
}
