// Copyright 2015 Google Inc. All Rights Reserved.

package fuse

import (
	"context"
	"fmt"
	"log"

	bazilfuse "bazil.org/fuse"
)

// A type that knows how to serve ops read from a connection.
type Server interface {
	// Read and serve ops from the supplied connection until EOF.
	ServeOps(*Connection)
}

// A struct representing the status of a mount operation, with a method that
// waits for unmounting.
type MountedFileSystem struct {
	dir string

	// The result to return from Join. Not valid until the channel is closed.
	joinStatus          error
	joinStatusAvailable chan struct{}
}

// Return the directory on which the file system is mounted (or where we
// attempted to mount it.)
func (mfs *MountedFileSystem) Dir() string {
	return mfs.dir
}

// Block until a mounted file system has been unmounted. The return value
// will be non-nil if anything unexpected happened while serving. May be
// called multiple times.
func (mfs *MountedFileSystem) Join(ctx context.Context) error {
	select {
	case <-mfs.joinStatusAvailable:
		return mfs.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Optional configuration accepted by Mount.
type MountConfig struct {
	// Mount the overlay read-only. The output layer is still created on
	// disk (mods still need somewhere to stage their payloads during
	// install), but no op that would mutate the visible tree is honored.
	ReadOnly bool

	// Advertised to the kernel as the file system's name and subtype, shown
	// in `mount`/`df` output.
	FSName string

	// Where debug and error logging goes. A nil ErrorLogger discards; a nil
	// DebugLogger falls back to the package logger, which writes to stderr
	// only when -fuse.debug is set.
	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// Convert to mount options to be passed to package bazilfuse.
func (c *MountConfig) bazilfuseOptions() (opts []bazilfuse.MountOption) {
	opts = append(opts, bazilfuse.DefaultPermissions())

	if c.FSName != "" {
		opts = append(opts, bazilfuse.FSName(c.FSName))
		opts = append(opts, bazilfuse.Subtype(c.FSName))
	}

	if c.ReadOnly {
		opts = append(opts, bazilfuse.ReadOnly())
	}

	return
}

// Attempt to mount a file system on the given directory, using the supplied
// Server to serve connection requests. This function blocks until the file
// system is successfully mounted. On some systems, this requires the
// supplied Server to make forward progress (in particular, to respond to
// fuseops.InitOp).
func Mount(
	dir string,
	server Server,
	config *MountConfig) (mfs *MountedFileSystem, err error) {
	if config == nil {
		config = &MountConfig{}
	}

	// A caller that doesn't supply its own loggers gets the package-level
	// one gated by the -fuse.debug flag, matching every other entry point
	// in this package.
	debugLogger := config.DebugLogger
	if debugLogger == nil {
		debugLogger = getLogger()
	}
	errorLogger := config.ErrorLogger

	mfs = &MountedFileSystem{
		dir:                 dir,
		joinStatusAvailable: make(chan struct{}),
	}

	bfConn, err := bazilfuse.Mount(mfs.dir, config.bazilfuseOptions()...)
	if err != nil {
		err = fmt.Errorf("bazilfuse.Mount: %w", err)
		return
	}

	connection, err := newConnection(debugLogger, errorLogger, bfConn)
	if err != nil {
		bfConn.Close()
		err = fmt.Errorf("newConnection: %w", err)
		return
	}

	// Serve the connection in the background. When done, set the join
	// status.
	go func() {
		server.ServeOps(connection)
		mfs.joinStatus = connection.close()
		close(mfs.joinStatusAvailable)
	}()

	if err = connection.waitForReady(); err != nil {
		err = fmt.Errorf("waitForReady: %w", err)
		return
	}

	return
}
