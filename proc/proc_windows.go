// Copyright (c) EleDo Authors
// SPDX-License-Identifier: BSD-3-Clause

package proc

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tailscale/eledo/conpty"
	"github.com/tailscale/eledo/token"
)

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")
	modshell32  = windows.NewLazySystemDLL("shell32.dll")

	procCreateProcessAsUser = modadvapi32.NewProc("CreateProcessAsUserW")
	procShellExecuteExW     = modshell32.NewProc("ShellExecuteExW")
)

// Command is a pending spawn: an argument vector, working directory,
// environment, the token to spawn under (or a shell-execute verb), and
// an optional pseudo-console attachment.
type Command struct {
	argv []string
	dir  string
	env  []string
	tok  *token.Token
	pty  *conpty.PTY

	stdin, stdout, stderr windows.Handle
}

// WithEnvironmentForToken builds a Command whose environment block is
// derived from tok, so that per-user paths reflect the target identity
// rather than the caller's.
func WithEnvironmentForToken(tok *token.Token) (*Command, error) {
	env, err := token.WithEnvironmentFor(tok)
	if err != nil {
		return nil, err
	}
	return &Command{tok: tok, env: env}, nil
}

// SetArgv sets the argument vector; argv[0] is the executable path.
func (c *Command) SetArgv(argv []string) { c.argv = argv }

// SetCwd sets the working directory; empty means inherit the caller's.
func (c *Command) SetCwd(dir string) { c.dir = dir }

// SetEnv replaces the environment block.
func (c *Command) SetEnv(env []string) { c.env = env }

// SetStdHandles replaces the child's standard handles. Used by the
// bridge child to attach the pipe client handles it opened in place of
// its own stdio before spawning the target command without a PTY.
func (c *Command) SetStdHandles(stdin, stdout, stderr windows.Handle) {
	c.stdin, c.stdout, c.stderr = stdin, stdout, stderr
}

// Process is a handle to a spawned child process and its primary
// thread, plus its recorded PID.
type Process struct {
	handle windows.Handle
	thread windows.Handle
	PID    uint32
}

func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

// quoteArg applies the quoting rules CommandLineToArgvW expects.
func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\v\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			slashes++
			b.WriteRune(r)
		case '"':
			for ; slashes > 0; slashes-- {
				b.WriteByte('\\')
			}
			b.WriteString(`\"`)
		default:
			slashes = 0
			b.WriteRune(r)
		}
	}
	for ; slashes > 0; slashes-- {
		b.WriteByte('\\')
	}
	b.WriteByte('"')
	return b.String()
}

func environBlock(env []string) *uint16 {
	if env == nil {
		return nil
	}
	var buf []uint16
	for _, kv := range env {
		u, _ := windows.UTF16FromString(kv)
		buf = append(buf, u...) // includes the trailing NUL
	}
	buf = append(buf, 0) // second, block-terminating NUL
	return &buf[0]
}

// Spawn starts the command under the configured token without a
// pseudo-console, inheriting the calling process's stdio handles.
func (c *Command) Spawn() (*Process, error) {
	return c.spawn(nil)
}

// SpawnWithPTY starts the command under the configured token attached
// to pty; the child inherits the pseudo-console, not raw pipe handles.
func (c *Command) SpawnWithPTY(pty *conpty.PTY) (*Process, error) {
	c.pty = pty
	return c.spawn(pty)
}

func (c *Command) spawn(pty *conpty.PTY) (*Process, error) {
	if c.tok == nil {
		return nil, ErrNoToken
	}

	cmdLine, err := windows.UTF16PtrFromString(commandLine(c.argv))
	if err != nil {
		return nil, fmt.Errorf("UTF16PtrFromString(argv): %w", err)
	}
	var dirPtr *uint16
	if c.dir != "" {
		dirPtr, err = windows.UTF16PtrFromString(c.dir)
		if err != nil {
			return nil, fmt.Errorf("UTF16PtrFromString(dir): %w", err)
		}
	}

	var si windows.StartupInfoEx
	si.Cb = uint32(unsafe.Sizeof(si))
	flags := uint32(windows.CREATE_UNICODE_ENVIRONMENT)

	if pty != nil {
		flags |= windows.EXTENDED_STARTUPINFO_PRESENT
		si.ProcThreadAttributeList = pty.AttributeList().List()
	} else if c.stdin != 0 || c.stdout != 0 || c.stderr != 0 {
		si.Flags |= windows.STARTF_USESTDHANDLES
		si.StdInput = c.stdin
		si.StdOutput = c.stdout
		si.StdErr = c.stderr
	}

	var pi windows.ProcessInformation
	// CreateProcessAsUser touches thread-local impersonation state on
	// some OS builds; keep it pinned to one OS thread for the duration.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r1, _, e1 := procCreateProcessAsUser.Call(
		uintptr(c.tok.Handle()),
		0,
		uintptr(unsafe.Pointer(cmdLine)),
		0,
		0,
		1, // bInheritHandles: required for SetStdHandles/STARTF_USESTDHANDLES and PTY attachment
		uintptr(flags),
		uintptr(unsafe.Pointer(environBlock(c.env))),
		uintptr(unsafe.Pointer(dirPtr)),
		uintptr(unsafe.Pointer(&si)),
		uintptr(unsafe.Pointer(&pi)),
	)
	if r1 == 0 {
		return nil, fmt.Errorf("CreateProcessAsUser: %w", e1)
	}

	return &Process{handle: pi.Process, thread: pi.Thread, PID: pi.ProcessId}, nil
}

// shellExecuteInfo mirrors SHELLEXECUTEINFOW with SEE_MASK_NOCLOSEPROCESS
// so the caller receives a process handle to wait on.
type shellExecuteInfo struct {
	cbSize       uint32
	fMask        uint32
	hwnd         uintptr
	lpVerb       *uint16
	lpFile       *uint16
	lpParameters *uint16
	lpDirectory  *uint16
	nShow        int32
	hInstApp     windows.Handle
	lpIDList     uintptr
	lpClass      *uint16
	hkeyClass    windows.Handle
	dwHotKey     uint32
	hIconOrMon   windows.Handle
	hProcess     windows.Handle
}

const (
	seeMaskNoCloseProcess = 0x00000040
	seeMaskFlagNoUI       = 0x00000400
	swShowNormal          = 1
)

// ShellExecute invokes the OS shell-execute verb (e.g. "runas" to
// trigger the UAC consent prompt). Cannot carry a token: the OS picks
// the child's identity by prompting the user, which is the only way
// to obtain an elevated child from an unprivileged caller.
func (c *Command) ShellExecute(verb string) (*Process, error) {
	if len(c.argv) == 0 {
		return nil, fmt.Errorf("proc: ShellExecute requires a non-empty argv")
	}
	file, err := windows.UTF16PtrFromString(c.argv[0])
	if err != nil {
		return nil, fmt.Errorf("UTF16PtrFromString(file): %w", err)
	}
	params, err := windows.UTF16PtrFromString(commandLine(c.argv[1:]))
	if err != nil {
		return nil, fmt.Errorf("UTF16PtrFromString(params): %w", err)
	}
	var dirPtr *uint16
	if c.dir != "" {
		dirPtr, err = windows.UTF16PtrFromString(c.dir)
		if err != nil {
			return nil, fmt.Errorf("UTF16PtrFromString(dir): %w", err)
		}
	}
	verbPtr, err := windows.UTF16PtrFromString(verb)
	if err != nil {
		return nil, fmt.Errorf("UTF16PtrFromString(verb): %w", err)
	}

	info := shellExecuteInfo{
		fMask:        seeMaskNoCloseProcess | seeMaskFlagNoUI,
		lpVerb:       verbPtr,
		lpFile:       file,
		lpParameters: params,
		lpDirectory:  dirPtr,
		nShow:        swShowNormal,
	}
	info.cbSize = uint32(unsafe.Sizeof(info))

	r1, _, e1 := procShellExecuteExW.Call(uintptr(unsafe.Pointer(&info)))
	if r1 == 0 {
		// The user declining the consent prompt surfaces as
		// ERROR_CANCELLED here.
		return nil, fmt.Errorf("ShellExecuteEx(%s): %w", verb, e1)
	}
	if info.hProcess == 0 {
		return nil, fmt.Errorf("ShellExecuteEx(%s): no process handle returned", verb)
	}

	return &Process{handle: info.hProcess, PID: 0}, nil
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	s, err := windows.WaitForSingleObject(p.handle, windows.INFINITE)
	if err != nil {
		return fmt.Errorf("WaitForSingleObject: %w", err)
	}
	if s != windows.WAIT_OBJECT_0 {
		return fmt.Errorf("WaitForSingleObject: unexpected status %d", s)
	}
	return nil
}

// ExitCode returns the process's exit code. Only meaningful after Wait
// has returned.
func (p *Process) ExitCode() (int, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return 0, fmt.Errorf("GetExitCodeProcess: %w", err)
	}
	return int(code), nil
}

// Close releases the process and thread handles.
func (p *Process) Close() error {
	var err error
	if p.handle != 0 {
		err = windows.CloseHandle(p.handle)
		p.handle = 0
	}
	if p.thread != 0 {
		if terr := windows.CloseHandle(p.thread); err == nil {
			err = terr
		}
		p.thread = 0
	}
	return err
}
