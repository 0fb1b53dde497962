// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/windows"

	"github.com/tailscale/eledo/console"
	"github.com/tailscale/eledo/pipe"
	"github.com/tailscale/eledo/proc"
	"github.com/tailscale/eledo/token"
)

// outputJoinTimeout bounds how long Run waits for output-direction
// relays to drain after the child exits, so a child that left its pipe
// ends open uncleanly cannot hang the originator forever.
const outputJoinTimeout = 3 * time.Second

// Run is the originator (O): it decides the target privilege level,
// either spawns the target command directly or launches the bridge
// child through a privilege-transition spawn, relays standard I/O and
// console bytes across the boundary, and returns the target's exit
// code.
func Run(direction Direction, argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, fmt.Errorf("bridge: no command specified")
	}

	cur, err := token.Current()
	if err != nil {
		return 1, fmt.Errorf("current token: %w", err)
	}
	defer cur.Close()

	level, err := cur.Classify()
	if err != nil {
		return 1, fmt.Errorf("classify token: %w", err)
	}

	targetTok, bridged, err := selectTarget(direction, cur, level)
	if err != nil {
		return 1, err
	}
	defer func() {
		if targetTok != cur {
			targetTok.Close()
		}
	}()

	if !bridged {
		cmd, err := proc.WithEnvironmentForToken(targetTok)
		if err != nil {
			return 1, fmt.Errorf("environment for token: %w", err)
		}
		cmd.SetArgv(argv)
		return runDirect(cmd)
	}
	// The bridged path never spawns T itself: it launches B (under the
	// OS-mediated elevated identity), and B builds its own target
	// command from its own token once it is running as that identity.
	return runBridged(argv)
}

// selectTarget implements spec.md §4.6.1's direction-selection logic:
// a caller already at the requested level runs directly with no token
// derivation or bridging; otherwise a token is derived (for
// de-elevation) or a bridge is required (for elevation, which needs
// the OS consent prompt).
func selectTarget(direction Direction, cur *token.Token, level token.PrivilegeLevel) (tok *token.Token, bridged bool, err error) {
	switch direction {
	case Deelevate:
		switch level {
		case token.NotPrivileged:
			return cur, false, nil
		default: // HighIntegrityAdmin, Elevated
			medium, err := cur.DeriveMediumIntegrity()
			if err != nil {
				return nil, false, fmt.Errorf("derive medium-integrity token: %w", err)
			}
			return medium, false, nil
		}
	case Elevate:
		switch level {
		case token.HighIntegrityAdmin, token.Elevated:
			return cur, false, nil
		default: // NotPrivileged
			return cur, true, nil
		}
	default:
		return nil, false, fmt.Errorf("bridge: unknown direction %d", direction)
	}
}

// runDirect spawns the command under the configured token without a
// bridge: no pipes, no console-mode changes. This is the path taken
// when the caller is already at (or beyond) the requested level, or
// when de-elevating (which the caller can always perform itself).
func runDirect(cmd *proc.Command) (int, error) {
	p, err := cmd.Spawn()
	if err != nil {
		return 1, fmt.Errorf("spawn: %w", err)
	}
	defer p.Close()

	if err := p.Wait(); err != nil {
		return 1, fmt.Errorf("wait: %w", err)
	}
	code, err := p.ExitCode()
	if err != nil {
		return 1, fmt.Errorf("exit code: %w", err)
	}
	return code, nil
}

// originator holds the resources assembled across PipesReady,
// ChildLaunched, Relaying, ChildExited, Drained and Restored.
type originator struct {
	m *machine

	stdinPipe, stdoutPipe, stderrPipe *pipe.ServerPipe
	coninPipe, conoutPipe             *pipe.ServerPipe

	con      *console.Console
	snapshot console.Snapshot
	hasCon   bool

	args Args

	outputWG sync.WaitGroup
}

// runBridged implements spec.md §4.6.2–§4.6.5: the bridged path taken
// when an elevation crossing must go through the bridge child and the
// OS consent prompt.
func runBridged(argv []string) (code int, err error) {
	o := &originator{m: newMachine()}
	o.args.Target = argv

	defer func() {
		restoreErr := o.restore()
		if err == nil {
			err = restoreErr
		}
	}()

	adminSID, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		o.m.transition(Aborting)
		return 1, fmt.Errorf("CreateWellKnownSid: %w", err)
	}

	if err := o.setupPipes(adminSID); err != nil {
		o.m.transition(Aborting)
		return 1, err
	}
	if err := o.m.transition(PipesReady); err != nil {
		return 1, err
	}

	bridgePath, err := LocatePTYBridge()
	if err != nil {
		o.m.transition(Aborting)
		return 1, err
	}
	bridgeArgv := append([]string{bridgePath}, o.args.Encode()...)

	bridgeCmd := &proc.Command{}
	bridgeCmd.SetArgv(bridgeArgv)
	p, err := bridgeCmd.ShellExecute("runas")
	if err != nil {
		o.m.transition(Aborting)
		return 1, fmt.Errorf("launch bridge child: %w", err)
	}
	defer p.Close()
	if err := o.m.transition(ChildLaunched); err != nil {
		return 1, err
	}

	if err := o.relay(); err != nil {
		o.m.transition(Aborting)
		return 1, err
	}
	if err := o.m.transition(Relaying); err != nil {
		return 1, err
	}

	if err := p.Wait(); err != nil {
		o.m.transition(Aborting)
		return 1, fmt.Errorf("wait for bridge child: %w", err)
	}
	if err := o.m.transition(ChildExited); err != nil {
		return 1, err
	}

	o.drain()
	if err := o.m.transition(Drained); err != nil {
		return 1, err
	}

	exitCode, err := p.ExitCode()
	if err != nil {
		o.m.transition(Aborting)
		return 1, fmt.Errorf("bridge child exit code: %w", err)
	}
	return exitCode, nil
}

// setupPipes implements spec.md §4.6.2: a server pipe for every
// non-console standard stream, and a conin/conout pair plus a console
// mode snapshot/mutation if the originator has a console.
func (o *originator) setupPipes(adminSID *windows.SID) error {
	if !console.IsConsoleStream(os.Stdin) {
		sp, err := pipe.CreateServer(adminSID)
		if err != nil {
			return fmt.Errorf("create stdin pipe: %w", err)
		}
		o.stdinPipe = sp
		o.args.Stdin = sp.Path
	}
	if !console.IsConsoleStream(os.Stdout) {
		sp, err := pipe.CreateServer(adminSID)
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		o.stdoutPipe = sp
		o.args.Stdout = sp.Path
	}
	if !console.IsConsoleStream(os.Stderr) {
		sp, err := pipe.CreateServer(adminSID)
		if err != nil {
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		o.stderrPipe = sp
		o.args.Stderr = sp.Path
	}

	con, err := console.Open()
	if err != nil {
		// No console (e.g. launched detached): nothing more to do.
		return nil
	}
	o.con = con
	o.hasCon = true

	snap, err := con.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot console mode: %w", err)
	}
	o.snapshot = snap

	coninSP, err := pipe.CreateServer(adminSID)
	if err != nil {
		return fmt.Errorf("create conin pipe: %w", err)
	}
	o.coninPipe = coninSP
	o.args.Conin = coninSP.Path

	conoutSP, err := pipe.CreateServer(adminSID)
	if err != nil {
		return fmt.Errorf("create conout pipe: %w", err)
	}
	o.conoutPipe = conoutSP
	o.args.Conout = conoutSP.Path

	size, cursor, err := con.ScreenBufferInfo()
	if err != nil {
		return fmt.Errorf("console screen buffer info: %w", err)
	}
	o.args.Width, o.args.Height = size.Width, size.Height
	o.args.CursorX, o.args.CursorY = cursor.X, cursor.Y
	o.args.HasCursor = true

	if err := con.EnableBridgeModes(); err != nil {
		return fmt.Errorf("enable bridge console modes: %w", err)
	}
	return nil
}

// relay waits for each server pipe's client connect (spec.md §5's
// ordering guarantee: wait_for_client completes before any byte is
// relayed on that pipe) and starts one dedicated concurrent byte-copy
// per direction.
func (o *originator) relay() error {
	if o.stdinPipe != nil {
		conn, err := o.stdinPipe.WaitForClient()
		if err != nil {
			return fmt.Errorf("wait for stdin client: %w", err)
		}
		go io.Copy(conn, os.Stdin) // input direction: detached, not joined
	}
	if o.stdoutPipe != nil {
		conn, err := o.stdoutPipe.WaitForClient()
		if err != nil {
			return fmt.Errorf("wait for stdout client: %w", err)
		}
		o.outputWG.Add(1)
		go func() { defer o.outputWG.Done(); io.Copy(os.Stdout, conn) }()
	}
	if o.stderrPipe != nil {
		conn, err := o.stderrPipe.WaitForClient()
		if err != nil {
			return fmt.Errorf("wait for stderr client: %w", err)
		}
		o.outputWG.Add(1)
		go func() { defer o.outputWG.Done(); io.Copy(os.Stderr, conn) }()
	}
	if o.coninPipe != nil {
		conn, err := o.coninPipe.WaitForClient()
		if err != nil {
			return fmt.Errorf("wait for conin client: %w", err)
		}
		conInFile := os.NewFile(uintptr(o.con.InHandle()), "CONIN$")
		go io.Copy(conn, conInFile) // input direction: detached
	}
	if o.conoutPipe != nil {
		conn, err := o.conoutPipe.WaitForClient()
		if err != nil {
			return fmt.Errorf("wait for conout client: %w", err)
		}
		conOutFile := os.NewFile(uintptr(o.con.OutHandle()), "CONOUT$")
		o.outputWG.Add(1)
		go func() { defer o.outputWG.Done(); io.Copy(conOutFile, conn) }()
	}
	return nil
}

// drain bounded-joins the output-direction relays so any final bytes
// reach the user's console before the process exits. Input-direction
// relays are abandoned: their read side may block indefinitely on the
// user's keyboard/stdin, which the caller still holds.
func (o *originator) drain() {
	done := make(chan struct{})
	go func() {
		o.outputWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(outputJoinTimeout):
	}
}

// restore runs on every exit path (success, failure, or abort): it
// restores the saved console mode and closes every pipe handle, so
// none outlives the originator's process.
func (o *originator) restore() error {
	var err error
	if o.hasCon {
		if rerr := o.snapshot.Restore(o.con); rerr != nil {
			err = fmt.Errorf("restore console mode: %w", rerr)
		}
		o.con.Close()
	}
	for _, sp := range []*pipe.ServerPipe{o.stdinPipe, o.stdoutPipe, o.stderrPipe, o.coninPipe, o.conoutPipe} {
		if sp != nil {
			sp.Close()
		}
	}
	o.m.transition(Restored)
	o.m.transition(Done)
	return err
}
