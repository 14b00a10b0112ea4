package livepatch

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// stubArenaSize is the initial size of the trampoline arena.
const stubArenaSize = 1 << 16

// stubAllocator hands out executable memory in the current process. The
// arena is read-execute except while it is being changed.
type stubAllocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	live     map[uintptr][]byte
}

func (a *stubAllocator) init() error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(protExec), malloc.MmapFlags(map_32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(stubArenaSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.live = map[uintptr][]byte{}
	})
	return a.initErr
}

// Alloc returns the address of size bytes of executable memory.
func (a *stubAllocator) Alloc(size int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return 0, fmt.Errorf("error initializing allocator: %w", err)
	}

	if err := a.mprotect(mprotectRWX); err != nil {
		return 0, err
	}
	defer a.mprotect(mprotectRX)

	buf, err := malloc.MallocSlice[byte](a.Arena, size)
	if err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = opcodeINT3
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	a.live[addr] = buf
	return addr, nil
}

// Free releases memory returned by Alloc.
func (a *stubAllocator) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.live[addr]
	if !ok {
		return fmt.Errorf("%#x was not allocated", addr)
	}

	if err := a.mprotect(mprotectRWX); err != nil {
		return err
	}
	defer a.mprotect(mprotectRX)

	malloc.FreeSlice(a.Arena, buf)
	delete(a.live, addr)
	return nil
}

var stubArena = &stubAllocator{}
