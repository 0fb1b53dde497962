// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package token

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")

	procCreateRestrictedToken = modadvapi32.NewProc("CreateRestrictedToken")
	procSetTokenInformation   = modadvapi32.NewProc("SetTokenInformation")
)

const (
	disableMaxPrivilege = 0x1
	writeRestricted     = 0x8

	seGroupUseForDenyOnly = 0x00000010
)

// DeriveMediumIntegrity produces a restricted copy of t suitable for
// running a de-elevated child: the administrators group is dropped to
// use-for-deny-only, and the mandatory integrity label is lowered to
// medium. The returned token can still be used to spawn a process with
// the caller's own environment (see WithEnvironmentFor).
func (t *Token) DeriveMediumIntegrity() (*Token, error) {
	admins, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return nil, fmt.Errorf("CreateWellKnownSid(Administrators): %w", err)
	}

	sidToDisable := windows.SIDAndAttributes{
		Sid:        admins,
		Attributes: seGroupUseForDenyOnly,
	}

	var restricted windows.Handle
	r1, _, e1 := procCreateRestrictedToken.Call(
		uintptr(t.h),
		uintptr(disableMaxPrivilege|writeRestricted),
		1, uintptr(unsafe.Pointer(&sidToDisable)),
		0, 0,
		0, 0,
		uintptr(unsafe.Pointer(&restricted)),
	)
	if r1 == 0 {
		return nil, fmt.Errorf("CreateRestrictedToken: %w", e1)
	}
	restrictedToken := windows.Token(restricted)

	mediumSid, err := windows.CreateWellKnownSid(windows.WinMediumLabelSid)
	if err != nil {
		restrictedToken.Close()
		return nil, fmt.Errorf("CreateWellKnownSid(MediumLabel): %w", err)
	}
	label := tokenMandatoryLabel{
		Label: windows.SIDAndAttributes{
			Sid:        mediumSid,
			Attributes: windows.SE_GROUP_INTEGRITY,
		},
	}
	r1, _, e1 = procSetTokenInformation.Call(
		uintptr(restrictedToken),
		tokenIntegrityLevel,
		uintptr(unsafe.Pointer(&label)),
		unsafe.Sizeof(label),
	)
	if r1 == 0 {
		restrictedToken.Close()
		return nil, fmt.Errorf("SetTokenInformation(TokenIntegrityLevel): %w", e1)
	}

	return &Token{h: restrictedToken}, nil
}

// ShellToken returns the token of the interactive shell process
// (explorer.exe in the current session), the user-level context to
// transition into when the caller is more privileged than an ordinary
// user (e.g. running as SYSTEM).
func ShellToken() (*Token, error) {
	pid, err := explorerPID()
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(explorer.exe): %w", err)
	}
	defer windows.CloseHandle(h)

	var procToken windows.Token
	if err := windows.OpenProcessToken(h, windows.TOKEN_DUPLICATE|windows.TOKEN_QUERY, &procToken); err != nil {
		return nil, fmt.Errorf("OpenProcessToken(explorer.exe): %w", err)
	}
	defer procToken.Close()

	var dup windows.Token
	if err := windows.DuplicateTokenEx(
		procToken,
		windows.MAXIMUM_ALLOWED,
		nil,
		windows.SecurityImpersonation,
		windows.TokenPrimary,
		&dup,
	); err != nil {
		return nil, fmt.Errorf("DuplicateTokenEx(explorer.exe): %w", err)
	}
	return &Token{h: dup}, nil
}

// explorerPID walks the process snapshot looking for explorer.exe, the
// shell process that owns the interactive session's desktop.
func explorerPID() (uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return 0, fmt.Errorf("Process32First: %w", err)
	}
	for {
		name := windows.UTF16ToString(entry.ExeFile[:])
		if equalFoldASCII(name, "explorer.exe") {
			return entry.ProcessID, nil
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}
	return 0, fmt.Errorf("explorer.exe not found in any running session")
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// WithEnvironmentFor builds an environment block for t, so that
// per-user paths (%USERPROFILE%, %APPDATA%, ...) reflect t's identity
// rather than the caller's.
func WithEnvironmentFor(t *Token) ([]string, error) {
	var block *uint16
	if err := windows.CreateEnvironmentBlock(&block, t.h, false); err != nil {
		return nil, fmt.Errorf("CreateEnvironmentBlock: %w", err)
	}
	defer windows.DestroyEnvironmentBlock(block)
	return environBlockToSlice(block), nil
}

// environBlockToSlice converts a double-NUL-terminated UTF-16
// environment block into a slice of "KEY=VALUE" strings.
func environBlockToSlice(block *uint16) []string {
	// Reinterpret the block as a []uint16 of unknown length by scanning
	// forward for the terminating empty string (two consecutive NULs).
	words := unsafe.Slice(block, 1<<20)

	var env []string
	start := 0
	for i := 0; ; i++ {
		if words[i] != 0 {
			continue
		}
		if i == start {
			break // empty string: end of block
		}
		env = append(env, windows.UTF16ToString(words[start:i]))
		start = i + 1
	}
	return env
}
