// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import "testing"

func TestMachineHappyPath(t *testing.T) {
	m := newMachine()
	path := []State{PipesReady, ChildLaunched, Relaying, ChildExited, Drained, Restored, Done}
	for _, s := range path {
		if err := m.transition(s); err != nil {
			t.Fatalf("transition(%s): %v", s, err)
		}
	}
	if m.state() != Done {
		t.Fatalf("final state = %s, want Done", m.state())
	}
}

func TestMachineAbortAlwaysRestores(t *testing.T) {
	m := newMachine()
	if err := m.transition(PipesReady); err != nil {
		t.Fatal(err)
	}
	if err := m.transition(Aborting); err != nil {
		t.Fatalf("transition(Aborting) from PipesReady: %v", err)
	}
	if err := m.transition(Restored); err != nil {
		t.Fatalf("transition(Restored) from Aborting: %v", err)
	}
}

func TestMachineRejectsSkippedState(t *testing.T) {
	m := newMachine()
	if err := m.transition(Relaying); err == nil {
		t.Fatal("transition(Relaying) from Init: want error, got nil")
	}
}
