// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"
	"golang.org/x/sys/windows"
)

// ServerPipe is the server end of a named pipe created by the
// originator. Every ServerPipe has a unique name and must be closed on
// all exit paths.
type ServerPipe struct {
	Path     string
	listener net.Listener
	conn     net.Conn
}

// CreateServer allocates a unique pipe name and creates the server end
// as a byte stream (message mode disabled), inbound and outbound, with
// a security descriptor granting read/write to targetSID and full
// control to SYSTEM, denying everyone else.
func CreateServer(targetSID *windows.SID) (*ServerPipe, error) {
	path := `\\.\pipe\eledo-` + uuid.NewString()

	l, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: sddlFor(targetSID),
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("namedpipe.Listen(%s): %w", path, err)
	}
	return &ServerPipe{Path: path, listener: l}, nil
}

// sddlFor builds a security descriptor string granting read/write
// access to targetSID and full control to SYSTEM. Everyone else is
// denied implicitly, since the DACL has no entry for them.
//
//   O:BA     owner: builtin administrators
//   G:BA     group: builtin administrators
//   D:
//     (A;;GRGW;;;<target>) allow generic read/write to the target SID
//     (A;;GA;;;SY)         allow generic-all to SYSTEM
func sddlFor(targetSID *windows.SID) string {
	return fmt.Sprintf("O:BAG:BAD:(A;;GRGW;;;%s)(A;;GA;;;SY)", targetSID.String())
}

// WaitForClient blocks until a client has connected to this server
// end. Bulk I/O must not be performed on the pipe before this returns.
func (s *ServerPipe) WaitForClient() (net.Conn, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("namedpipe.Accept(%s): %w", s.Path, err)
	}
	s.conn = conn
	return conn, nil
}

// Close releases the listener and, if connected, the client
// connection. Safe to call multiple times.
func (s *ServerPipe) Close() error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	if s.listener != nil {
		if lerr := s.listener.Close(); err == nil {
			err = lerr
		}
		s.listener = nil
	}
	return err
}

// OpenClient opens an existing named pipe, created by CreateServer in
// another process, for read and write. Used by the bridge child to
// connect back to the originator.
func OpenClient(path string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("namedpipe.Dial(%s): %w", path, err)
	}
	return conn, nil
}
