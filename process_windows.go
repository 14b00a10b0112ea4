//go:build windows

package livepatch

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	processAccess = windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE | windows.PROCESS_VM_OPERATION |
		windows.PROCESS_QUERY_INFORMATION | windows.PROCESS_SUSPEND_RESUME

	// allocGranularity is the alignment of VirtualAllocEx reservations.
	allocGranularity = 0x10000

	// nearSearch bounds how far below the image AllocExec looks for free
	// memory in 64-bit targets, keeping stubs in rel32 range.
	nearSearch = 1 << 30

	memFree = 0x10000 // MEM_FREE
)

// winProcess is a process accessed through a handle. The current process
// uses the pseudo handle and is treated like any other.
type winProcess struct {
	pid     uint32
	h       windows.Handle
	self    bool
	ptrSize int
}

// Open returns the process with the given pid. Close the result with
// io.Closer when done.
func Open(pid int) (Process, error) {
	h, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("OpenProcess %d: %w", pid, err)
	}
	p := &winProcess{pid: uint32(pid), h: h}
	if err := p.detectPointerSize(); err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return p, nil
}

// Self returns the current process as a Process.
//
// Suspend stops every other thread of the process, including threads the Go
// runtime may need. Keep the work done inside a transaction free of
// allocation and blocking calls.
func Self() (Process, error) {
	p := &winProcess{
		pid:  windows.GetCurrentProcessId(),
		h:    windows.CurrentProcess(),
		self: true,
	}
	if err := p.detectPointerSize(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *winProcess) detectPointerSize() error {
	if runtime.GOARCH == "386" {
		p.ptrSize = 4
		return nil
	}
	var wow64 bool
	if err := windows.IsWow64Process(p.h, &wow64); err != nil {
		return fmt.Errorf("IsWow64Process: %w", err)
	}
	p.ptrSize = 8
	if wow64 {
		p.ptrSize = 4
	}
	return nil
}

func (p *winProcess) Close() error {
	if p.self {
		return nil
	}
	return windows.CloseHandle(p.h)
}

// Image returns the first module of the process, which is the executable.
func (p *winProcess) Image() (Module, error) {
	var (
		mod    windows.Handle
		needed uint32
	)
	if err := windows.EnumProcessModules(p.h, &mod, uint32(unsafe.Sizeof(mod)), &needed); err != nil {
		return Module{}, fmt.Errorf("EnumProcessModules: %w", err)
	}
	if needed == 0 {
		return Module{}, errors.New("process has no modules")
	}

	var info windows.ModuleInfo
	if err := windows.GetModuleInformation(p.h, mod, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return Module{}, fmt.Errorf("GetModuleInformation: %w", err)
	}

	var name [windows.MAX_PATH]uint16
	if err := windows.GetModuleBaseName(p.h, mod, &name[0], uint32(len(name))); err != nil {
		return Module{}, fmt.Errorf("GetModuleBaseName: %w", err)
	}

	return Module{
		Name: windows.UTF16ToString(name[:]),
		Base: info.BaseOfDll,
		Size: uintptr(info.SizeOfImage),
	}, nil
}

func (p *winProcess) query(addr uintptr) (windows.MemoryBasicInformation, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQueryEx(p.h, addr, &mbi, unsafe.Sizeof(mbi))
	return mbi, err
}

func regionFromMBI(mbi windows.MemoryBasicInformation) Region {
	r := Region{
		Base:      mbi.BaseAddress,
		Size:      mbi.RegionSize,
		Committed: mbi.State == windows.MEM_COMMIT,
	}
	if r.Committed {
		r.Prot = fromWindowsProtection(mbi.Protect)
	}
	return r
}

// Regions walks the address space with VirtualQueryEx. Free address ranges
// are left out.
func (p *winProcess) Regions() ([]Region, error) {
	var out []Region
	for addr := uintptr(0); ; {
		mbi, err := p.query(addr)
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("VirtualQueryEx %#x: %w", addr, err)
			}
			break
		}
		if mbi.State != memFree {
			out = append(out, regionFromMBI(mbi))
		}
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			break
		}
		addr = next
	}
	return out, nil
}

func (p *winProcess) Query(addr uintptr) (Region, error) {
	mbi, err := p.query(addr)
	if err != nil {
		return Region{}, fmt.Errorf("VirtualQueryEx %#x: %w", addr, err)
	}
	if mbi.State == memFree {
		return Region{}, fmt.Errorf("%#x is not allocated", addr)
	}
	return regionFromMBI(mbi), nil
}

func (p *winProcess) ReadAt(b []byte, addr uintptr) error {
	var n uintptr
	if err := windows.ReadProcessMemory(p.h, addr, &b[0], uintptr(len(b)), &n); err != nil {
		return fmt.Errorf("ReadProcessMemory %#x: %w", addr, err)
	}
	if n < uintptr(len(b)) {
		return fmt.Errorf("ReadProcessMemory %#x: short read of %d bytes", addr, n)
	}
	return nil
}

func (p *winProcess) WriteAt(b []byte, addr uintptr) error {
	var n uintptr
	if err := windows.WriteProcessMemory(p.h, addr, &b[0], uintptr(len(b)), &n); err != nil {
		return fmt.Errorf("WriteProcessMemory %#x: %w", addr, err)
	}
	if n < uintptr(len(b)) {
		return fmt.Errorf("WriteProcessMemory %#x: short write of %d bytes", addr, n)
	}
	return nil
}

func (p *winProcess) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtectEx(p.h, addr, size, windowsProtection(prot), &old); err != nil {
		return ProtNone, fmt.Errorf("VirtualProtectEx %#x: %w", addr, err)
	}
	return fromWindowsProtection(old), nil
}

func (p *winProcess) FlushCode(addr, size uintptr) error {
	return flushInstructionCache(p.h, addr, size)
}

// Suspend suspends every thread of the process except the calling one.
func (p *winProcess) Suspend() (func() error, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	// The calling thread must not migrate while others are suspended.
	runtime.LockOSThread()
	current := windows.GetCurrentThreadId()

	var suspended []windows.Handle
	resume := func() error {
		defer runtime.UnlockOSThread()
		var errs []error
		for _, th := range suspended {
			if _, err := windows.ResumeThread(th); err != nil {
				errs = append(errs, fmt.Errorf("ResumeThread: %w", err))
			}
			windows.CloseHandle(th)
		}
		return errors.Join(errs...)
	}

	entry := windows.ThreadEntry32{Size: uint32(unsafe.Sizeof(windows.ThreadEntry32{}))}
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID != p.pid || entry.ThreadID == current {
			continue
		}
		th, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, entry.ThreadID)
		if err != nil {
			// The thread may have exited since the snapshot.
			continue
		}
		if err := suspendThread(th); err != nil {
			windows.CloseHandle(th)
			continue
		}
		suspended = append(suspended, th)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, errors.Join(fmt.Errorf("Thread32Next: %w", err), resume())
	}
	return resume, nil
}

func (p *winProcess) PointerSize() int {
	return p.ptrSize
}

// AllocExec reserves a fresh allocation for each stub. In 64-bit targets it
// looks for free memory below the image first so the stub is reachable with
// a rel32 jump.
func (p *winProcess) AllocExec(size int) (uintptr, error) {
	if p.ptrSize == 8 {
		if image, err := p.Image(); err == nil {
			start := alignDown(image.Base, allocGranularity)
			for addr := start - allocGranularity; addr > 0 && start-addr < nearSearch; addr -= allocGranularity {
				mbi, err := p.query(addr)
				if err != nil || mbi.State != memFree {
					continue
				}
				if stub, err := virtualAllocEx(p.h, addr, uintptr(size), windows.PAGE_EXECUTE_READ); err == nil {
					return stub, nil
				}
			}
		}
	}
	return virtualAllocEx(p.h, 0, uintptr(size), windows.PAGE_EXECUTE_READ)
}

func (p *winProcess) FreeExec(addr uintptr, size int) error {
	return virtualFreeEx(p.h, addr)
}
