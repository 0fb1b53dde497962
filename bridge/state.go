// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import "fmt"

// State is one stage of the originator's orchestration (spec.md
// §4.6.6). A failure in any state transitions to Aborting, which
// still runs Restored before surfacing the error.
type State int

const (
	Init State = iota
	PipesReady
	ChildLaunched
	Relaying
	ChildExited
	Drained
	Restored
	Done
	Aborting
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case PipesReady:
		return "PipesReady"
	case ChildLaunched:
		return "ChildLaunched"
	case Relaying:
		return "Relaying"
	case ChildExited:
		return "ChildExited"
	case Drained:
		return "Drained"
	case Restored:
		return "Restored"
	case Done:
		return "Done"
	case Aborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

// machine tracks the originator's current state and rejects
// out-of-order transitions, so a bug in the orchestration code fails
// loudly instead of silently skipping a teardown step.
type machine struct {
	cur State
}

// next is the table of states each state may legally transition to.
// Every state from Init through Drained may also abort.
var next = map[State][]State{
	Init:          {PipesReady, Aborting},
	PipesReady:    {ChildLaunched, Aborting},
	ChildLaunched: {Relaying, Aborting},
	Relaying:      {ChildExited, Aborting},
	ChildExited:   {Drained, Aborting},
	Drained:       {Restored, Aborting},
	Restored:      {Done},
	Aborting:      {Restored},
}

func newMachine() *machine { return &machine{cur: Init} }

// transition moves to s, or returns an error if s is not reachable
// from the current state.
func (m *machine) transition(s State) error {
	for _, allowed := range next[m.cur] {
		if allowed == s {
			m.cur = s
			return nil
		}
	}
	return fmt.Errorf("bridge: illegal state transition %s -> %s", m.cur, s)
}

func (m *machine) state() State { return m.cur }
