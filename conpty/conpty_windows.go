// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package conpty

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procCreatePseudoConsole = modkernel32.NewProc("CreatePseudoConsole")
	procResizePseudoConsole = modkernel32.NewProc("ResizePseudoConsole")
	procClosePseudoConsole  = modkernel32.NewProc("ClosePseudoConsole")
)

// procThreadAttributePseudoconsole is PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE,
// the attribute key CreateProcess uses to attach an HPCON to a child.
const procThreadAttributePseudoconsole = 0x00020016

// PTY wraps an open pseudo-console. While open, the two handles it was
// created with are owned by the PTY: callers must not read or write
// them directly.
type PTY struct {
	hpc      windows.Handle
	input    windows.Handle // child's stdin: originator writes here
	output   windows.Handle // child's stdout: originator reads here
	attrList *windows.ProcThreadAttributeListContainer
}

// coord packs (cols, rows) into the COORD layout CreatePseudoConsole
// expects: low word X, high word Y.
func coord(cols, rows int) uintptr {
	return uintptr(uint16(cols)) | uintptr(uint16(rows))<<16
}

// New creates a pseudo-console of the given size bound to input (read
// by the child) and output (written by the child). New takes ownership
// of both handles; Close releases them.
func New(size Size, input, output windows.Handle) (*PTY, error) {
	if size.Cols == 0 || size.Rows == 0 {
		return nil, ErrInvalidSize
	}

	var hpc windows.Handle
	r1, _, e1 := procCreatePseudoConsole.Call(
		coord(size.Cols, size.Rows),
		uintptr(input),
		uintptr(output),
		0,
		uintptr(unsafe.Pointer(&hpc)),
	)
	if r1 != 0 {
		return nil, fmt.Errorf("CreatePseudoConsole: HRESULT 0x%08x (%v)", r1, e1)
	}

	attrList, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		procClosePseudoConsole.Call(uintptr(hpc))
		return nil, fmt.Errorf("NewProcThreadAttributeList: %w", err)
	}
	if err := attrList.Update(
		procThreadAttributePseudoconsole,
		unsafe.Pointer(hpc),
		unsafe.Sizeof(hpc),
	); err != nil {
		attrList.Delete()
		procClosePseudoConsole.Call(uintptr(hpc))
		return nil, fmt.Errorf("UpdateProcThreadAttribute(PSEUDOCONSOLE): %w", err)
	}

	return &PTY{hpc: hpc, input: input, output: output, attrList: attrList}, nil
}

// AttributeList returns the process-thread attribute list that
// attaches this PTY to a child process's STARTUPINFOEX. Used by
// package proc when spawning a command attached to a PTY.
func (p *PTY) AttributeList() *windows.ProcThreadAttributeListContainer {
	return p.attrList
}

// Resize changes the pseudo-console's cell dimensions.
func (p *PTY) Resize(size Size) error {
	if size.Cols == 0 || size.Rows == 0 {
		return ErrInvalidSize
	}
	r1, _, e1 := procResizePseudoConsole.Call(uintptr(p.hpc), coord(size.Cols, size.Rows))
	if r1 != 0 {
		return fmt.Errorf("ResizePseudoConsole: HRESULT 0x%08x (%v)", r1, e1)
	}
	return nil
}

// Close closes the pseudo-console and the two handles it owns.
func (p *PTY) Close() error {
	if p.attrList != nil {
		p.attrList.Delete()
		p.attrList = nil
	}
	if p.hpc != 0 {
		procClosePseudoConsole.Call(uintptr(p.hpc))
		p.hpc = 0
	}
	var err error
	if p.input != 0 {
		err = windows.CloseHandle(p.input)
		p.input = 0
	}
	if p.output != 0 {
		if cerr := windows.CloseHandle(p.output); err == nil {
			err = cerr
		}
		p.output = 0
	}
	return err
}
