// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"context"
	"io"
	"log"
	"sync"

	bazilfuse "bazil.org/fuse"

	"github.com/reithan/lmodvfs/fuseops"
)

// Connection wraps a bazil.org/fuse connection, converting each inbound
// kernel request into a fuseops.Op for the FileSystem to handle.
type Connection struct {
	debugLogger *log.Logger
	errorLogger *log.Logger

	wrapped *bazilfuse.Conn

	mu sync.Mutex

	// GUARDED_BY(mu)
	opsInFlight sync.WaitGroup
}

func newConnection(
	debugLogger *log.Logger,
	errorLogger *log.Logger,
	wrapped *bazilfuse.Conn) (*Connection, error) {
	c := &Connection{
		debugLogger: debugLogger,
		errorLogger: errorLogger,
		wrapped:     wrapped,
	}
	return c, nil
}

// Block until the connection has seen its FUSE_INIT handshake complete, or
// failed.
func (c *Connection) waitForReady() error {
	<-c.wrapped.Ready
	return c.wrapped.MountError
}

func (c *Connection) debugLog(calldepth int, format string, v ...interface{}) {
	if c.debugLogger != nil {
		c.debugLogger.Printf(format, v...)
	}
}

// Read the next op from the connection. Returns io.EOF once the connection
// has been closed from the other end and no further requests will arrive.
func (c *Connection) ReadOp() (fuseops.Op, error) {
	for {
		bazilReq, err := c.wrapped.ReadRequest()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		op := fuseops.Convert(context.Background(), bazilReq, c.debugLog, &c.opsInFlight)
		if op == nil {
			// Not a request type we model; the kernel gets a blunt ENOSYS
			// rather than silence.
			bazilReq.RespondError(ENOSYS)
			continue
		}

		c.opsInFlight.Add(1)
		return op, nil
	}
}

func (c *Connection) close() error {
	return c.wrapped.Close()
}
