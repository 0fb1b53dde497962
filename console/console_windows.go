// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package console

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/windows"
)

// Console holds open handles to the calling process's own console
// input and output pseudo-devices (CONIN$ / CONOUT$).
type Console struct {
	in  windows.Handle
	out windows.Handle
}

// Open opens the calling process's console input and output devices.
// It fails with ErrNotAConsole-wrapping error if the process has no
// console (e.g. it was launched detached). Redirected standard streams
// do not affect it: the devices are opened by name.
func Open() (*Console, error) {
	in, err := windows.CreateFile(
		utf16("CONIN$"),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateFile(CONIN$): %v", ErrNotAConsole, err)
	}
	out, err := windows.CreateFile(
		utf16("CONOUT$"),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		windows.CloseHandle(in)
		return nil, fmt.Errorf("%w: CreateFile(CONOUT$): %v", ErrNotAConsole, err)
	}
	return &Console{in: in, out: out}, nil
}

func utf16(s string) *uint16 {
	p, _ := windows.UTF16PtrFromString(s)
	return p
}

// InHandle returns the raw console input handle, for the relay that
// copies keystrokes into the conin pipe.
func (c *Console) InHandle() windows.Handle { return c.in }

// OutHandle returns the raw console output handle, for the relay that
// copies the conout pipe's bytes to the screen.
func (c *Console) OutHandle() windows.Handle { return c.out }

// Close releases both console handles.
func (c *Console) Close() error {
	err := windows.CloseHandle(c.in)
	if cerr := windows.CloseHandle(c.out); err == nil {
		err = cerr
	}
	return err
}

// Snapshot is a saved input/output console mode pair, taken before the
// bridge mutates console state. Restoration must occur before the
// originator terminates, on every exit path.
type Snapshot struct {
	input  uint32
	output uint32
}

// Snapshot reads and saves the current input and output console modes.
func (c *Console) Snapshot() (Snapshot, error) {
	var s Snapshot
	if err := windows.GetConsoleMode(c.in, &s.input); err != nil {
		return Snapshot{}, fmt.Errorf("GetConsoleMode(in): %w", err)
	}
	if err := windows.GetConsoleMode(c.out, &s.output); err != nil {
		return Snapshot{}, fmt.Errorf("GetConsoleMode(out): %w", err)
	}
	return s, nil
}

// EnableBridgeModes sets the modes the bridge needs while relaying:
// virtual-terminal input on conin, and processed/wrapped/VT output
// with auto-return disabled on conout.
func (c *Console) EnableBridgeModes() error {
	if err := windows.SetConsoleMode(c.in, windows.ENABLE_VIRTUAL_TERMINAL_INPUT); err != nil {
		return fmt.Errorf("SetConsoleMode(in): %w", err)
	}
	outMode := uint32(windows.ENABLE_PROCESSED_OUTPUT |
		windows.ENABLE_WRAP_AT_EOL_OUTPUT |
		windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING |
		windows.DISABLE_NEWLINE_AUTO_RETURN)
	if err := windows.SetConsoleMode(c.out, outMode); err != nil {
		return fmt.Errorf("SetConsoleMode(out): %w", err)
	}
	return nil
}

// Restore emits a soft terminal reset and restores the saved modes.
// Errors are returned but must not block shutdown: callers log and
// continue per spec.md's RestorationError handling.
func (s Snapshot) Restore(c *Console) error {
	_, werr := windows.Write(c.out, []byte(softReset))
	if err := windows.SetConsoleMode(c.out, s.output); err != nil {
		return fmt.Errorf("SetConsoleMode(out, restore): %w", err)
	}
	if err := windows.SetConsoleMode(c.in, s.input); err != nil {
		return fmt.Errorf("SetConsoleMode(in, restore): %w", err)
	}
	if werr != nil {
		return fmt.Errorf("write soft reset: %w", werr)
	}
	return nil
}

// ScreenBufferInfo returns the console's viewport size and the
// cursor's position relative to the viewport's top-left cell.
func (c *Console) ScreenBufferInfo() (Size, CursorPos, error) {
	var info windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(c.out, &info); err != nil {
		return Size{}, CursorPos{}, fmt.Errorf("GetConsoleScreenBufferInfo: %w", err)
	}

	width := int(info.Window.Right-info.Window.Left) + 1
	height := int(info.Window.Bottom-info.Window.Top) + 1

	cursor := CursorPos{
		X: int(info.CursorPosition.X),
		Y: int(info.CursorPosition.Y) - int(info.Window.Top),
	}
	if cursor.Y < 0 {
		cursor.Y = 0
	}

	return Size{Width: width, Height: height}, cursor, nil
}

// IsConsoleStream reports whether f is attached to a character device
// (a console), as opposed to a redirected file or pipe. This is the
// authoritative check used to decide whether a standard stream needs a
// pipe relay (spec.md §4.6.2): it matches FILE_TYPE_CHAR, which also
// covers other character devices such as NUL.
func IsConsoleStream(f *os.File) bool {
	ft, err := windows.GetFileType(windows.Handle(f.Fd()))
	if err != nil {
		return false
	}
	return ft == windows.FILE_TYPE_CHAR
}

// Describe reports a human-readable classification of f,
// distinguishing a real Windows console from a Cygwin/MSYS pty
// pretending to be one, neither of which FILE_TYPE_CHAR alone tells
// apart. Nothing in this module calls it.
func Describe(f *os.File) string {
	switch fd := f.Fd(); {
	case isatty.IsTerminal(fd):
		return "console"
	case isatty.IsCygwinTerminal(fd):
		return "cygwin-pty"
	default:
		return "redirected"
	}
}
