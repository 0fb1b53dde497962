// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package proc wraps process creation along two independent axes: the
// token to spawn under (or the shell-execute verb that lets the OS
// pick one via the consent prompt), and whether the child is attached
// to a pseudo-console or plain stdio.
package proc

import "errors"

// ErrNoToken is returned by Spawn/SpawnWithPTY when no token has been
// configured on the Command.
var ErrNoToken = errors.New("proc: command has no token configured")
