package modvfs

import (
	"errors"
	"os"
	"syscall"

	lmodvfs "github.com/reithan/lmodvfs"
)

// toHostError maps an error surfaced by the case-insensitive path layer
// onto the fixed six-code reply vocabulary the host protocol understands:
// EACCES, EEXIST, EISDIR, ENOENT, ENOTDIR, EOPNOTSUPP. There is no seventh
// code to fall back on, so an errno the switch doesn't recognize is folded
// onto the nearest sanctioned code rather than widening the vocabulary; see
// DESIGN.md's error-vocabulary open question.
func toHostError(err error) error {
	if err == nil {
		return nil
	}

	var pe *os.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return lmodvfs.ENOENT
		case syscall.EEXIST, syscall.ENOTEMPTY:
			return lmodvfs.EEXIST
		case syscall.EISDIR:
			return lmodvfs.EISDIR
		case syscall.ENOTDIR:
			return lmodvfs.ENOTDIR
		case syscall.EACCES, syscall.EPERM:
			return lmodvfs.EACCES
		case syscall.EOPNOTSUPP:
			return lmodvfs.EOPNOTSUPP
		}
	}

	// Anything else (disk-level I/O failures, ENOSPC, ...) is unexpected for
	// a local backing store under our own control; EACCES is the closest
	// sanctioned code for "the host filesystem refused this," short of
	// widening the six-code vocabulary.
	return lmodvfs.EACCES
}

func isENOENT(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return errors.Is(err, syscall.ENOENT)
}
