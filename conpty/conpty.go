// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package conpty wraps the Windows pseudo-console (ConPTY) API: a PTY
// bound to two byte-stream handles and a cell dimension, attached to a
// spawned child so it inherits a real console rather than raw pipes.
package conpty

import "errors"

// Size is a pseudo-console's dimensions in character cells.
type Size struct {
	Cols int
	Rows int
}

// ErrInvalidSize is returned by New when cols or rows is zero.
var ErrInvalidSize = errors.New("conpty: width and height must be non-zero")
