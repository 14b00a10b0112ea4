//go:build windows

package livepatch

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
	procSuspendThread         = modkernel32.NewProc("SuspendThread")
	procVirtualAllocEx        = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx         = modkernel32.NewProc("VirtualFreeEx")
)

const pageModifiers = windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE

// fromWindowsProtection converts a PAGE_* value.
func fromWindowsProtection(flags uint32) Protection {
	var p Protection
	switch flags &^ pageModifiers {
	case windows.PAGE_READONLY:
		p = ProtRead
	case windows.PAGE_READWRITE:
		p = ProtRW
	case windows.PAGE_WRITECOPY:
		p = ProtRW | ProtCopy
	case windows.PAGE_EXECUTE:
		p = ProtExec
	case windows.PAGE_EXECUTE_READ:
		p = ProtRX
	case windows.PAGE_EXECUTE_READWRITE:
		p = ProtRWX
	case windows.PAGE_EXECUTE_WRITECOPY:
		p = ProtRWX | ProtCopy
	}
	if flags&windows.PAGE_GUARD != 0 {
		p |= ProtGuard
	}
	if flags&windows.PAGE_NOCACHE != 0 {
		p |= ProtNoCache
	}
	if flags&windows.PAGE_WRITECOMBINE != 0 {
		p |= ProtWriteCombine
	}
	return p
}

// windowsProtection converts to a PAGE_* value. It is the inverse of
// fromWindowsProtection.
func windowsProtection(p Protection) uint32 {
	var flags uint32
	switch p &^ protModifiers {
	case ProtNone:
		flags = windows.PAGE_NOACCESS
	case ProtRead:
		flags = windows.PAGE_READONLY
	case ProtRW, ProtWrite:
		flags = windows.PAGE_READWRITE
	case ProtRW | ProtCopy, ProtWrite | ProtCopy:
		flags = windows.PAGE_WRITECOPY
	case ProtExec:
		flags = windows.PAGE_EXECUTE
	case ProtRX:
		flags = windows.PAGE_EXECUTE_READ
	case ProtRWX, ProtWrite | ProtExec:
		flags = windows.PAGE_EXECUTE_READWRITE
	case ProtRWX | ProtCopy, ProtWrite | ProtExec | ProtCopy:
		flags = windows.PAGE_EXECUTE_WRITECOPY
	default:
		flags = windows.PAGE_NOACCESS
	}
	if p&ProtGuard != 0 {
		flags |= windows.PAGE_GUARD
	}
	if p&ProtNoCache != 0 {
		flags |= windows.PAGE_NOCACHE
	}
	if p&ProtWriteCombine != 0 {
		flags |= windows.PAGE_WRITECOMBINE
	}
	return flags
}

func flushInstructionCache(h windows.Handle, addr, size uintptr) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(h), addr, size)
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache: %w", err)
	}
	return nil
}

func suspendThread(h windows.Handle) error {
	r, _, err := procSuspendThread.Call(uintptr(h))
	if int32(r) == -1 {
		return fmt.Errorf("SuspendThread: %w", err)
	}
	return nil
}

func virtualAllocEx(h windows.Handle, addr, size uintptr, prot uint32) (uintptr, error) {
	r, _, err := procVirtualAllocEx.Call(uintptr(h), addr, size, windows.MEM_COMMIT|windows.MEM_RESERVE, uintptr(prot))
	if r == 0 {
		return 0, fmt.Errorf("VirtualAllocEx: %w", err)
	}
	return r, nil
}

func virtualFreeEx(h windows.Handle, addr uintptr) error {
	r, _, err := procVirtualFreeEx.Call(uintptr(h), addr, 0, windows.MEM_RELEASE)
	if r == 0 {
		return fmt.Errorf("VirtualFreeEx: %w", err)
	}
	return nil
}
