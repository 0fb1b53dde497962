// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package token

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Token is an owned reference to a Windows access token. Exactly one
// live Token owns the underlying handle; Close releases it.
type Token struct {
	h windows.Token
}

// Handle returns the underlying OS handle, valid only while t is open.
func (t *Token) Handle() windows.Token { return t.h }

// Close releases the underlying handle. Safe to call on a zero Token.
func (t *Token) Close() error {
	if t == nil || t.h == 0 {
		return nil
	}
	err := t.h.Close()
	t.h = 0
	return err
}

// Current returns the token of the calling process.
func Current() (*Token, error) {
	var h windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ALL_ACCESS, &h); err != nil {
		return nil, fmt.Errorf("OpenProcessToken: %w", err)
	}
	return &Token{h: h}, nil
}

const tokenIntegrityLevel = 25 // TokenIntegrityLevel, windows.TOKEN_INFORMATION_CLASS

type tokenMandatoryLabel struct {
	Label windows.SIDAndAttributes
}

// integritySID returns the mandatory-label SID attached to t, e.g.
// S-1-16-4096 (low), S-1-16-8192 (medium), S-1-16-12288 (high).
func integritySID(h windows.Token) (*windows.SID, error) {
	var needed uint32
	// First call just discovers the required buffer size.
	err := windows.GetTokenInformation(h, tokenIntegrityLevel, nil, 0, &needed)
	if needed == 0 {
		return nil, fmt.Errorf("GetTokenInformation(size probe): %w", err)
	}
	buf := make([]byte, needed)
	if err := windows.GetTokenInformation(h, tokenIntegrityLevel, &buf[0], needed, &needed); err != nil {
		return nil, fmt.Errorf("GetTokenInformation: %w", err)
	}
	label := (*tokenMandatoryLabel)(unsafe.Pointer(&buf[0]))
	return label.Label.Sid, nil
}

// rid returns the relative identifier of the mandatory-label SID, used
// to order integrity levels (low < medium < high < system).
func rid(sid *windows.SID) uint32 {
	n := sid.SubAuthorityCount()
	if n == 0 {
		return 0
	}
	return sid.SubAuthority(uint32(n) - 1)
}

const (
	ridMedium = 0x2000
	ridHigh   = 0x3000
	ridSystem = 0x4000
)

// isAdmin reports whether h's effective group membership includes the
// local Administrators group.
func isAdmin(h windows.Token) (bool, error) {
	admins, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return false, fmt.Errorf("CreateWellKnownSid(Administrators): %w", err)
	}
	member, err := h.IsMember(admins)
	if err != nil {
		return false, fmt.Errorf("Token.IsMember(Administrators): %w", err)
	}
	return member, nil
}

// Classify combines t's integrity level and administrators-group
// membership into a PrivilegeLevel.
func (t *Token) Classify() (PrivilegeLevel, error) {
	sid, err := integritySID(t.h)
	if err != nil {
		return 0, err
	}
	level := rid(sid)

	admin, err := isAdmin(t.h)
	if err != nil {
		return 0, err
	}
	if !admin {
		return NotPrivileged, nil
	}
	if level >= ridSystem || t.h.IsElevated() && level > ridHigh {
		return Elevated, nil
	}
	if level >= ridHigh {
		return HighIntegrityAdmin, nil
	}
	return NotPrivileged, nil
}
