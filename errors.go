// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"syscall"

	bazilfuse "bazil.org/fuse"
)

// Errors corresponding to kernel error numbers. ENOSYS is used by the
// dispatch loop itself for ops it does not model; the other six are the
// fixed reply vocabulary (spec's error handling design §6/§7) the overlay filesystem
// maps its internal failures onto — deliberately closed, with no EIO or
// ENOTEMPTY catch-all.
const (
	ENOENT     = bazilfuse.ENOENT
	ENOSYS     = bazilfuse.ENOSYS
	EACCES     = bazilfuse.Errno(syscall.EACCES)
	EEXIST     = bazilfuse.Errno(syscall.EEXIST)
	EISDIR     = bazilfuse.Errno(syscall.EISDIR)
	ENOTDIR    = bazilfuse.Errno(syscall.ENOTDIR)
	EOPNOTSUPP = bazilfuse.Errno(syscall.EOPNOTSUPP)
)
