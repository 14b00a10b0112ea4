package livepatch

import "sort"

// Module describes the mapped image of the target executable.
type Module struct {
	Name string
	Base uintptr
	Size uintptr
}

// Contains reports whether addr falls inside the module.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

// Region is a contiguous range of target memory with uniform attributes.
type Region struct {
	Base      uintptr
	Size      uintptr
	Committed bool
	Prot      Protection
}

// End returns the first address after the region.
func (r Region) End() uintptr {
	return r.Base + r.Size
}

// Accessible reports whether the region can be read without faulting.
func (r Region) Accessible() bool {
	return r.Committed && r.Prot.Readable()
}

// Process is the capability the engine needs from a target. Implementations
// exist for the current process (Self), another process (Open) and an
// in-memory buffer (Buffer).
//
// Implementations must never let a memory fault escape: ReadAt and WriteAt
// report inaccessible memory as an error.
type Process interface {
	// Image returns the main executable module.
	Image() (Module, error)

	// Regions returns every mapped region in ascending address order.
	Regions() ([]Region, error)

	// Query returns the region containing addr. The returned region may
	// start before addr.
	Query(addr uintptr) (Region, error)

	ReadAt(p []byte, addr uintptr) error
	WriteAt(p []byte, addr uintptr) error

	// Protect changes the protection of [addr, addr+size) and returns the
	// previous protection. The range must lie within one region.
	Protect(addr, size uintptr, prot Protection) (Protection, error)

	// FlushCode makes instruction fetches observe writes to the range.
	FlushCode(addr, size uintptr) error

	// Suspend stops every thread of the target other than the caller. The
	// returned function resumes them.
	Suspend() (resume func() error, err error)

	// PointerSize is the pointer width of the target in bytes.
	PointerSize() int
}

// ExecAllocator is implemented by processes that can allocate executable
// memory for trampoline stubs.
type ExecAllocator interface {
	AllocExec(size int) (uintptr, error)
	FreeExec(addr uintptr, size int) error
}

// spans splits [addr, addr+size) into pieces that each lie within a single
// region of proc. It stops with an error at the first address that is not
// mapped.
func spans(proc Process, addr, size uintptr) ([]Region, error) {
	var out []Region
	end := addr + size
	for cur := addr; cur < end; {
		r, err := proc.Query(cur)
		if err != nil {
			return nil, err
		}
		if r.Size == 0 || r.End() <= cur {
			return nil, newError(InvalidAddress, cur, "no region")
		}
		pieceEnd := min(r.End(), end)
		out = append(out, Region{
			Base:      cur,
			Size:      pieceEnd - cur,
			Committed: r.Committed,
			Prot:      r.Prot,
		})
		cur = pieceEnd
	}
	return out, nil
}

func sortRegions(regions []Region) {
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Base < regions[j].Base
	})
}
