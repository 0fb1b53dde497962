// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/windows"

	"github.com/tailscale/eledo/conpty"
	"github.com/tailscale/eledo/pipe"
	"github.com/tailscale/eledo/proc"
	"github.com/tailscale/eledo/token"
)

// RunChild implements the bridge child (B): it opens the pipes O
// allocated, attaches a pseudo-console if one was requested, spawns
// the target command, waits for it, and returns its exit code.
//
// Any error in setup is written to the best-available error stream
// (the --stderr pipe if it was opened, else the process's own stderr)
// and 1 is returned.
func RunChild(argv []string) int {
	args, err := Parse(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "eledo-pty-bridge:", err)
		return 1
	}

	var errOut io.Writer = os.Stderr

	code, err := runChild(args, func(w io.Writer) { errOut = w })
	if err != nil {
		fmt.Fprintln(errOut, "eledo-pty-bridge:", err)
		return 1
	}
	return code
}

// stderrHandle is the --stderr client connection, opened once and
// reused as the target's own stderr handle: the server pipe on O's
// side only ever accepts a single client, so B must not dial it twice.
type stderrHandle struct {
	conn   net.Conn
	handle windows.Handle
}

func runChild(args *Args, setErrOut func(io.Writer)) (int, error) {
	tok, err := token.Current()
	if err != nil {
		return 0, fmt.Errorf("current token: %w", err)
	}
	defer tok.Close()

	cmd, err := proc.WithEnvironmentForToken(tok)
	if err != nil {
		return 0, fmt.Errorf("environment for token: %w", err)
	}
	cmd.SetArgv(args.Target)

	var errConn *stderrHandle
	if args.Stderr != "" {
		conn, err := pipe.OpenClient(args.Stderr)
		if err != nil {
			return 0, fmt.Errorf("open --stderr pipe: %w", err)
		}
		h, err := connHandle(conn)
		if err != nil {
			return 0, err
		}
		errConn = &stderrHandle{conn: conn, handle: h}
		setErrOut(conn)
	}

	var proc1 *proc.Process
	if args.HasPTY() {
		proc1, err = spawnWithPTY(cmd, args, errConn)
	} else {
		proc1, err = spawnPlain(cmd, args, errConn)
	}
	if err != nil {
		return 0, err
	}
	defer proc1.Close()

	if err := proc1.Wait(); err != nil {
		return 0, fmt.Errorf("wait for target: %w", err)
	}
	return proc1.ExitCode()
}

func connHandle(c net.Conn) (windows.Handle, error) {
	fd, ok := c.(interface{ Fd() uintptr })
	if !ok {
		return 0, fmt.Errorf("pipe connection has no underlying OS handle (%T)", c)
	}
	return windows.Handle(fd.Fd()), nil
}

func spawnPlain(cmd *proc.Command, args *Args, errConn *stderrHandle) (*proc.Process, error) {
	var stdin, stdout, stderr windows.Handle

	if args.Stdin != "" {
		conn, err := pipe.OpenClient(args.Stdin)
		if err != nil {
			return nil, fmt.Errorf("open --stdin pipe: %w", err)
		}
		if stdin, err = connHandle(conn); err != nil {
			return nil, err
		}
	}
	if args.Stdout != "" {
		conn, err := pipe.OpenClient(args.Stdout)
		if err != nil {
			return nil, fmt.Errorf("open --stdout pipe: %w", err)
		}
		if stdout, err = connHandle(conn); err != nil {
			return nil, err
		}
	}
	if errConn != nil {
		stderr = errConn.handle
	}

	if stdin != 0 || stdout != 0 || stderr != 0 {
		cmd.SetStdHandles(stdin, stdout, stderr)
	}
	return cmd.Spawn()
}

// errConn is accepted for symmetry with spawnPlain but unused here: a
// pseudo-console attachment supplies all three of the child's standard
// handles itself, and Windows does not allow mixing
// PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE with STARTF_USESTDHANDLES, so a
// --stderr pipe present alongside --conin/--conout only serves B's own
// diagnostics, not the target's stderr.
func spawnWithPTY(cmd *proc.Command, args *Args, errConn *stderrHandle) (*proc.Process, error) {
	_ = errConn
	conoutConn, err := pipe.OpenClient(args.Conout)
	if err != nil {
		return nil, fmt.Errorf("open --conout pipe: %w", err)
	}
	conoutHandle, err := connHandle(conoutConn)
	if err != nil {
		return nil, err
	}

	coninConn, err := pipe.OpenClient(args.Conin)
	if err != nil {
		return nil, fmt.Errorf("open --conin pipe: %w", err)
	}
	coninHandle, err := connHandle(coninConn)
	if err != nil {
		return nil, err
	}

	if args.HasCursor {
		// Position the cursor where O's console had it, so the target's
		// first output paints starting at the same cell. Must happen
		// before conpty.New: once it returns, conoutHandle belongs to the
		// pseudo-console and must not be written to directly.
		esc := fmt.Sprintf("\x1b[%d;%dH", args.CursorY+1, args.CursorX+1)
		if _, err := windows.Write(conoutHandle, []byte(esc)); err != nil {
			return nil, fmt.Errorf("write cursor escape: %w", err)
		}
	}

	pty, err := conpty.New(conpty.Size{Cols: args.Width, Rows: args.Height}, coninHandle, conoutHandle)
	if err != nil {
		return nil, fmt.Errorf("create pseudo-console: %w", err)
	}

	p, err := cmd.SpawnWithPTY(pty)
	if err != nil {
		pty.Close()
		return nil, err
	}
	return p, nil
}
