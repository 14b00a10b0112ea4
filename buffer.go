package livepatch

import (
	"errors"
	"fmt"
)

// BufferPageSize is the protection granularity of a Buffer.
const BufferPageSize = 0x1000

// stubPages is the number of RWX pages a Buffer reserves after the image for
// trampoline stubs.
const stubPages = 1

type pageAttr struct {
	committed bool
	prot      Protection
}

// Buffer is a Process backed by a byte slice. The image occupies
// [base, base+len(image)) with read-execute protection, followed by a small
// executable area used by AllocExec. Protection is enforced per page, so
// writing to the image only works through Memory, which lifts it.
//
// The On* fields let tests inject failures.
type Buffer struct {
	base      uintptr
	imageSize uintptr
	mem       []byte
	pages     []pageAttr
	stubNext  uintptr
	ptrSize   int

	suspended int
	flushes   []Region

	// OnRead, OnWrite and OnProtect are called before the operation. A
	// non-nil error fails the operation without side effects.
	OnRead    func(addr uintptr, n int) error
	OnWrite   func(addr uintptr, p []byte) error
	OnProtect func(addr, size uintptr, prot Protection) error

	// OnSuspendedWrite is called for every write made while the buffer
	// is suspended.
	OnSuspendedWrite func(addr uintptr, p []byte)
}

// NewBuffer returns a Buffer whose image starts at base, which must be page
// aligned, and holds a copy of image.
func NewBuffer(base uintptr, image []byte) *Buffer {
	if base%BufferPageSize != 0 {
		panic("livepatch: buffer base is not page aligned")
	}
	imagePages := alignUp(uintptr(len(image)), BufferPageSize) / BufferPageSize
	if imagePages == 0 {
		imagePages = 1
	}
	total := imagePages + stubPages

	b := &Buffer{
		base:      base,
		imageSize: uintptr(len(image)),
		mem:       make([]byte, total*BufferPageSize),
		pages:     make([]pageAttr, total),
		stubNext:  base + imagePages*BufferPageSize,
		ptrSize:   4,
	}
	copy(b.mem, image)
	for i := range b.pages {
		b.pages[i] = pageAttr{committed: true, prot: ProtRX}
	}
	for i := imagePages; i < total; i++ {
		b.pages[i].prot = ProtRWX
	}
	return b
}

// SetPointerSize changes the pointer width reported to the engine.
func (b *Buffer) SetPointerSize(n int) {
	b.ptrSize = n
}

// SetProtection changes the protection of the pages covering the range
// without going through the engine.
func (b *Buffer) SetProtection(addr, size uintptr, prot Protection) {
	first, last := b.pageRange(addr, size)
	for i := first; i <= last; i++ {
		b.pages[i].prot = prot
	}
}

// Decommit marks the pages covering the range as reserved but not
// committed.
func (b *Buffer) Decommit(addr, size uintptr) {
	first, last := b.pageRange(addr, size)
	for i := first; i <= last; i++ {
		b.pages[i].committed = false
	}
}

// Bytes returns a copy of size bytes at addr, ignoring protection.
func (b *Buffer) Bytes(addr uintptr, size int) []byte {
	off := addr - b.base
	out := make([]byte, size)
	copy(out, b.mem[off:off+uintptr(size)])
	return out
}

// Put stores p at addr, ignoring protection.
func (b *Buffer) Put(addr uintptr, p []byte) {
	copy(b.mem[addr-b.base:], p)
}

// Suspended reports whether the buffer is between Suspend and resume.
func (b *Buffer) Suspended() bool {
	return b.suspended > 0
}

// Flushes returns the ranges passed to FlushCode so far.
func (b *Buffer) Flushes() []Region {
	return append([]Region(nil), b.flushes...)
}

// ProtectionAt returns the protection of the page containing addr.
func (b *Buffer) ProtectionAt(addr uintptr) Protection {
	return b.pages[(addr-b.base)/BufferPageSize].prot
}

func (b *Buffer) Image() (Module, error) {
	return Module{Name: "buffer", Base: b.base, Size: b.imageSize}, nil
}

func (b *Buffer) Regions() ([]Region, error) {
	var out []Region
	for i := 0; i < len(b.pages); {
		r := b.regionAt(i)
		out = append(out, r)
		i += int(r.Size / BufferPageSize)
	}
	return out, nil
}

func (b *Buffer) Query(addr uintptr) (Region, error) {
	if !b.inBounds(addr, 1) {
		return Region{}, fmt.Errorf("address %#x is not mapped", addr)
	}
	return b.regionAt(int((addr - b.base) / BufferPageSize)), nil
}

func (b *Buffer) ReadAt(p []byte, addr uintptr) error {
	if b.OnRead != nil {
		if err := b.OnRead(addr, len(p)); err != nil {
			return err
		}
	}
	if err := b.check(addr, uintptr(len(p)), Protection.Readable); err != nil {
		return err
	}
	copy(p, b.mem[addr-b.base:])
	return nil
}

func (b *Buffer) WriteAt(p []byte, addr uintptr) error {
	if b.OnWrite != nil {
		if err := b.OnWrite(addr, p); err != nil {
			return err
		}
	}
	if err := b.check(addr, uintptr(len(p)), Protection.Writable); err != nil {
		return err
	}
	if b.suspended > 0 && b.OnSuspendedWrite != nil {
		b.OnSuspendedWrite(addr, p)
	}
	copy(b.mem[addr-b.base:], p)
	return nil
}

func (b *Buffer) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	if b.OnProtect != nil {
		if err := b.OnProtect(addr, size, prot); err != nil {
			return ProtNone, err
		}
	}
	if size == 0 || !b.inBounds(addr, size) {
		return ProtNone, fmt.Errorf("range %#x+%#x is not mapped", addr, size)
	}
	first, last := b.pageRange(addr, size)
	old := b.pages[first].prot
	for i := first; i <= last; i++ {
		if !b.pages[i].committed {
			return ProtNone, fmt.Errorf("page %#x is not committed", b.base+uintptr(i)*BufferPageSize)
		}
	}
	for i := first; i <= last; i++ {
		b.pages[i].prot = prot
	}
	return old, nil
}

func (b *Buffer) FlushCode(addr, size uintptr) error {
	b.flushes = append(b.flushes, Region{Base: addr, Size: size})
	return nil
}

func (b *Buffer) Suspend() (func() error, error) {
	b.suspended++
	resumed := false
	return func() error {
		if resumed {
			return errors.New("already resumed")
		}
		resumed = true
		b.suspended--
		return nil
	}, nil
}

func (b *Buffer) PointerSize() int {
	return b.ptrSize
}

func (b *Buffer) AllocExec(size int) (uintptr, error) {
	addr := alignUp(b.stubNext, 16)
	end := b.base + uintptr(len(b.mem))
	if addr+uintptr(size) > end {
		return 0, errors.New("stub area exhausted")
	}
	b.stubNext = addr + uintptr(size)
	return addr, nil
}

func (b *Buffer) FreeExec(addr uintptr, size int) error {
	if !b.inBounds(addr, uintptr(size)) {
		return fmt.Errorf("stub %#x is not mapped", addr)
	}
	return nil
}

func (b *Buffer) inBounds(addr, size uintptr) bool {
	return addr >= b.base && addr+size >= addr && addr+size <= b.base+uintptr(len(b.mem))
}

func (b *Buffer) pageRange(addr, size uintptr) (int, int) {
	first := int((addr - b.base) / BufferPageSize)
	last := int((addr + size - 1 - b.base) / BufferPageSize)
	return first, last
}

func (b *Buffer) regionAt(i int) Region {
	attr := b.pages[i]
	start, end := i, i
	for start > 0 && b.pages[start-1] == attr {
		start--
	}
	for end+1 < len(b.pages) && b.pages[end+1] == attr {
		end++
	}
	return Region{
		Base:      b.base + uintptr(start)*BufferPageSize,
		Size:      uintptr(end-start+1) * BufferPageSize,
		Committed: attr.committed,
		Prot:      attr.prot,
	}
}

func (b *Buffer) check(addr, size uintptr, allowed func(Protection) bool) error {
	if size == 0 {
		return nil
	}
	if !b.inBounds(addr, size) {
		return fmt.Errorf("fault at %#x: not mapped", addr)
	}
	first, last := b.pageRange(addr, size)
	for i := first; i <= last; i++ {
		if !b.pages[i].committed || !allowed(b.pages[i].prot) {
			return fmt.Errorf("fault at %#x: page is %s", b.base+uintptr(i)*BufferPageSize, b.pages[i].prot)
		}
	}
	return nil
}
