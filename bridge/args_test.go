// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package bridge

import (
	"reflect"
	"testing"
)

func TestArgsEncodeParseRoundTrip(t *testing.T) {
	a := &Args{
		Stdin:     `\\.\pipe\eledo-1`,
		Stdout:    `\\.\pipe\eledo-2`,
		Conin:     `\\.\pipe\eledo-3`,
		Conout:    `\\.\pipe\eledo-4`,
		Width:     120,
		Height:    30,
		CursorX:   5,
		CursorY:   3,
		HasCursor: true,
		Target:    []string{"cmd.exe", "/c", "echo hi there"},
	}

	got, err := Parse(a.Encode())
	if err != nil {
		t.Fatalf("Parse(Encode()): %v", err)
	}
	if !reflect.DeepEqual(a, got) {
		t.Fatalf("round trip mismatch:\n  want %+v\n  got  %+v", a, got)
	}
}

func TestArgsHasStdioHasPTY(t *testing.T) {
	a := &Args{Stdout: `\\.\pipe\x`}
	if !a.HasStdio() {
		t.Error("HasStdio() = false, want true")
	}
	if a.HasPTY() {
		t.Error("HasPTY() = true, want false")
	}

	a2 := &Args{Conin: `\\.\pipe\in`, Conout: `\\.\pipe\out`}
	if a2.HasStdio() {
		t.Error("HasStdio() = true, want false")
	}
	if !a2.HasPTY() {
		t.Error("HasPTY() = false, want true")
	}
}

func TestParseRequiresWidthHeightWithConout(t *testing.T) {
	_, err := Parse([]string{"--conin", `\\.\pipe\in`, "--conout", `\\.\pipe\out`, "--"})
	if err == nil {
		t.Fatal("Parse with --conout but no --width/--height: want error, got nil")
	}
}

func TestParseUnrecognizedFlag(t *testing.T) {
	if _, err := Parse([]string{"--bogus"}); err == nil {
		t.Fatal("Parse with unrecognized flag: want error, got nil")
	}
}

func TestParseMissingValue(t *testing.T) {
	if _, err := Parse([]string{"--stdin"}); err == nil {
		t.Fatal("Parse with dangling --stdin: want error, got nil")
	}
}

func TestParseNoTrailingSeparator(t *testing.T) {
	a, err := Parse([]string{"--stdin", `\\.\pipe\in`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Target != nil {
		t.Errorf("Target = %v, want nil", a.Target)
	}
}
