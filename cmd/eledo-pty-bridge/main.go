// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command eledo-pty-bridge is the bridge child (B): it is never
// invoked directly by a user. The originator launches it, passing the
// pipe paths and console geometry it allocated as a literal flag
// vector (spec.md §6.1), and it spawns the real target command against
// those pipes.
package main

import (
	"os"

	"github.com/tailscale/eledo/bridge"
)

func main() {
	os.Exit(bridge.RunChild(os.Args[1:]))
}
