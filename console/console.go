// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package console manages the interactive console's mode and cursor:
// taking a snapshot before the bridge mutates terminal state, and
// restoring it — with a soft reset — on every exit path.
package console

import "errors"

// ErrNotAConsole is wrapped by the error Open returns when the process
// has no console whose input and output devices can be opened.
var ErrNotAConsole = errors.New("console: stream is not attached to a console")

// softReset is the DEC private-mode/attribute reset escape sequence,
// emitted to the output console during restoration to clear any
// lingering modes the target process may have set.
const softReset = "\x1b[!p"

// Size is a console viewport's dimensions in character cells.
type Size struct {
	Width  int
	Height int
}

// CursorPos is a cursor position relative to the viewport's top-left
// cell.
type CursorPos struct {
	X int
	Y int
}
