package livepatch

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/Binject/debug/elf"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// stopTimeout bounds how long Suspend waits for the target to stop.
const stopTimeout = 2 * time.Second

// remoteProcess is another process, accessed through /proc/<pid>/mem.
// Writes through the mem file ignore page protection, so Protect only
// reports the current protection.
type remoteProcess struct {
	pid     int
	dir     string
	exe     string
	mem     *os.File
	proc    *process.Process
	ptrSize int
}

// Open returns the process with the given pid. The caller needs ptrace
// access to it. Close the result with io.Closer when done.
func Open(pid int) (Process, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	dir := strconv.Itoa(pid)
	exe, err := os.Readlink("/proc/" + dir + "/exe")
	if err != nil {
		return nil, fmt.Errorf("locating executable of %d: %w", pid, err)
	}

	ptrSize := 8
	if f, err := elf.Open("/proc/" + dir + "/exe"); err == nil {
		if f.Class == elf.ELFCLASS32 {
			ptrSize = 4
		}
		f.Close()
	}

	mem, err := os.OpenFile("/proc/"+dir+"/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /proc/%d/mem: %w (ptrace_scope may restrict access)", pid, err)
	}

	return &remoteProcess{
		pid:     pid,
		dir:     dir,
		exe:     exe,
		mem:     mem,
		proc:    proc,
		ptrSize: ptrSize,
	}, nil
}

func (p *remoteProcess) Close() error {
	return p.mem.Close()
}

func (p *remoteProcess) Image() (Module, error) {
	maps, err := readMaps(p.dir)
	if err != nil {
		return Module{}, err
	}
	return imageOf(maps, p.exe)
}

func (p *remoteProcess) Regions() ([]Region, error) {
	maps, err := readMaps(p.dir)
	if err != nil {
		return nil, err
	}
	return regionsOf(maps), nil
}

func (p *remoteProcess) Query(addr uintptr) (Region, error) {
	maps, err := readMaps(p.dir)
	if err != nil {
		return Region{}, err
	}
	return queryMaps(maps, addr)
}

func (p *remoteProcess) ReadAt(b []byte, addr uintptr) error {
	n, err := p.mem.ReadAt(b, int64(addr))
	if err != nil {
		return fmt.Errorf("reading %#x: %w", addr, err)
	}
	if n < len(b) {
		return fmt.Errorf("reading %#x: short read of %d bytes", addr, n)
	}
	return nil
}

func (p *remoteProcess) WriteAt(b []byte, addr uintptr) error {
	n, err := p.mem.WriteAt(b, int64(addr))
	if err != nil {
		return fmt.Errorf("writing %#x: %w", addr, err)
	}
	if n < len(b) {
		return fmt.Errorf("writing %#x: short write of %d bytes", addr, n)
	}
	return nil
}

func (p *remoteProcess) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	r, err := p.Query(addr)
	if err != nil {
		return ProtNone, err
	}
	return r.Prot, nil
}

func (p *remoteProcess) FlushCode(addr, size uintptr) error {
	return nil
}

// Suspend stops the whole target with SIGSTOP and waits until it is stopped.
// A target that was already stopped is left stopped on resume.
func (p *remoteProcess) Suspend() (func() error, error) {
	if p.stopped() {
		return func() error { return nil }, nil
	}

	if err := unix.Kill(p.pid, unix.SIGSTOP); err != nil {
		return nil, fmt.Errorf("stopping %d: %w", p.pid, err)
	}
	resume := func() error {
		return unix.Kill(p.pid, unix.SIGCONT)
	}

	deadline := time.Now().Add(stopTimeout)
	for !p.stopped() {
		if time.Now().After(deadline) {
			return nil, errors.Join(fmt.Errorf("process %d did not stop", p.pid), resume())
		}
		time.Sleep(time.Millisecond)
	}
	return resume, nil
}

func (p *remoteProcess) stopped() bool {
	status, err := p.proc.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Stop)
}

func (p *remoteProcess) PointerSize() int {
	return p.ptrSize
}
