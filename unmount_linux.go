// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Returned when asked to unmount a mount point of the form /dev/fd/N, which
// is owned by whatever process opened that file descriptor (typically not
// us) and cannot be unmounted by shelling out to fusermount.
var ErrExternallyManagedMountPoint = errors.New("mount point is externally managed")

// Just for testing purposes, to mock the actual fuserunmount function.
var fuserunmountMock = fuserunmount

func unmount(dir string) error {
	err := fuserunmountMock(dir)
	if err != nil && strings.HasPrefix(dir, "/dev/fd/") {
		return fmt.Errorf("%w: %s", ErrExternallyManagedMountPoint, err)
	}
	return err
}

func findFusermount() (string, error) {
	path, err := exec.LookPath("fusermount")
	if err != nil {
		return "", fmt.Errorf("fusermount not found in PATH: %w", err)
	}
	return path, nil
}

func fuserunmount(dir string) error {
	fusermount, err := findFusermount()
	if err != nil {
		return err
	}
	cmd := exec.Command(fusermount, "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			output = bytes.TrimRight(output, "\n")
			return fmt.Errorf("%v: %s", err, output)
		}
		return err
	}
	return nil
}
