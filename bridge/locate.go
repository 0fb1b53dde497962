// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNoBridgeExecutable is returned by LocatePTYBridge when the bridge
// child executable cannot be found next to the running binary or on
// PATH.
var ErrNoBridgeExecutable = errors.New("bridge: eledo-pty-bridge not found alongside executable or in PATH")

const bridgeExeName = "eledo-pty-bridge.exe"

// LocatePTYBridge finds the bridge child executable: first next to the
// currently running front-end binary, then via PATH.
func LocatePTYBridge() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("os.Executable: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), bridgeExeName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	if path, err := exec.LookPath(bridgeExeName); err == nil {
		return path, nil
	}
	return "", ErrNoBridgeExecutable
}
