package livepatch

import (
	"fmt"
	"os"
	"runtime/debug"
	"unsafe"
)

// selfProcess is the current process. Reads and writes are plain memory
// copies with faults turned into errors.
//
// Linux has no way to stop the other threads of the calling process without
// stopping the caller too, so Suspend does nothing. Hooks installed in-process
// rely on the jump being written by a single aligned store where possible;
// code that may be running concurrently should not be hooked.
type selfProcess struct {
	exe string
}

// Self returns the current process as a Process.
//
// Its Suspend does not stop other goroutines or threads, so edits made
// through it are not atomic with respect to code running concurrently.
// Only hook code that no other thread can be executing.
func Self() (Process, error) {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &selfProcess{exe: exe}, nil
}

func (p *selfProcess) Image() (Module, error) {
	maps, err := readMaps("self")
	if err != nil {
		return Module{}, err
	}
	return imageOf(maps, p.exe)
}

func (p *selfProcess) Regions() ([]Region, error) {
	maps, err := readMaps("self")
	if err != nil {
		return nil, err
	}
	return regionsOf(maps), nil
}

func (p *selfProcess) Query(addr uintptr) (Region, error) {
	maps, err := readMaps("self")
	if err != nil {
		return Region{}, err
	}
	return queryMaps(maps, addr)
}

func (p *selfProcess) ReadAt(b []byte, addr uintptr) error {
	return faultCopy(b, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)))
}

func (p *selfProcess) WriteAt(b []byte, addr uintptr) error {
	return faultCopy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
}

func (p *selfProcess) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	r, err := p.Query(addr)
	if err != nil {
		return ProtNone, err
	}
	if err := mprotect(addr, size, linuxProtection(prot)); err != nil {
		return ProtNone, fmt.Errorf("mprotect %#x: %w", addr, err)
	}
	return r.Prot, nil
}

func (p *selfProcess) FlushCode(addr, size uintptr) error {
	cacheflush(addr, size)
	return nil
}

// Suspend is a no-op. Stopping sibling threads would stop the caller too.
func (p *selfProcess) Suspend() (func() error, error) {
	return func() error { return nil }, nil
}

func (p *selfProcess) PointerSize() int {
	return int(unsafe.Sizeof(uintptr(0)))
}

func (p *selfProcess) AllocExec(size int) (uintptr, error) {
	return stubArena.Alloc(size)
}

func (p *selfProcess) FreeExec(addr uintptr, size int) error {
	return stubArena.Free(addr)
}

// faultCopy copies src to dst and reports a memory fault as an error
// instead of crashing.
func faultCopy(dst, src []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory fault: %v", r)
		}
	}()
	copy(dst, src)
	return nil
}
