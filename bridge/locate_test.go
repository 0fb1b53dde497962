// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLocatePTYBridgeNextToExecutable(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable unavailable: %v", err)
	}

	name := bridgeExeName
	candidate := filepath.Join(filepath.Dir(self), name)
	f, err := os.Create(candidate)
	if err != nil {
		t.Skipf("cannot write next to test binary: %v", err)
	}
	f.Close()
	defer os.Remove(candidate)

	got, err := LocatePTYBridge()
	if err != nil {
		t.Fatalf("LocatePTYBridge: %v", err)
	}
	if got != candidate {
		t.Fatalf("LocatePTYBridge = %q, want %q", got, candidate)
	}
}

func TestLocatePTYBridgeNotFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exercises only the not-found path; skip where a stray eledo-pty-bridge.exe might be on PATH")
	}
	self, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable unavailable: %v", err)
	}
	candidate := filepath.Join(filepath.Dir(self), bridgeExeName)
	if _, err := os.Stat(candidate); err == nil {
		t.Skip("a bridge executable already exists next to the test binary")
	}

	if _, err := LocatePTYBridge(); err == nil {
		t.Fatal("LocatePTYBridge: want error when no bridge executable exists, got nil")
	}
}
