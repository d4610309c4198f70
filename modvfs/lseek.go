package modvfs

import (
	"golang.org/x/sys/unix"

	"github.com/reithan/lmodvfs/fuseops"
)

// Lseek forwards to the native lseek(2) SEEK_DATA/SEEK_HOLE, reporting
// success exactly when the native call succeeds. The source this system
// was distilled from has that polarity inverted (it reports failure on
// success and vice versa); see DESIGN.md's lseek-polarity decision for why
// this implementation does not reproduce that bug.
func Lseek(fd int, offset int64, whence fuseops.LseekWhence) (int64, error) {
	var nativeWhence int
	switch whence {
	case fuseops.SeekData:
		nativeWhence = unix.SEEK_DATA
	case fuseops.SeekHole:
		nativeWhence = unix.SEEK_HOLE
	default:
		return 0, unix.EINVAL
	}

	return unix.Seek(fd, offset, nativeWhence)
}
