//go:build linux && amd64

package livepatch

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/Binject/debug/elf"
)

// HookFunc redirects the Go function fn to newFn in the current process. The
// registry must belong to an engine attached with Self. Remove the returned
// hook to restore fn.
//
// Note that if fn has been inlined this will silently fail. If possible, add a
// noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func HookFunc(reg *Registry, fn, newFn any) (*Hook, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return nil, newError(InvalidArgument, 0, "not a function, kind: %v", fnv.Kind())
	}
	newFnv := reflect.ValueOf(newFn)
	if newFnv.Kind() != reflect.Func {
		return nil, newError(InvalidArgument, 0, "not a function, kind: %v", newFnv.Kind())
	}
	if err := signatureDiff(fnv.Type(), newFnv.Type()); err != nil {
		return nil, wrapError(InvalidArgument, 0, fmt.Errorf("function signatures do not match: %w", err))
	}
	if _, ok := reg.mem.proc.(*selfProcess); !ok {
		return nil, newError(InvalidArgument, 0, "%T is not the current process", reg.mem.proc)
	}

	entry := fnv.Pointer()
	size, err := funcSize(reg.mem.proc, entry)
	if err != nil {
		return nil, wrapError(InvalidAddress, entry, err)
	}
	if size < jumpSize {
		return nil, newError(InvalidAddress, entry, "function is %d bytes, too small for a jump", size)
	}

	return reg.CreateHook(entry, newFnv.Pointer(), JumpStrategy(jumpSize))
}

var (
	symbolsOnce sync.Once
	symbolSizes map[uint64]uint64
	loadBase    uint64
	symbolsErr  error
)

// funcSize returns the size of the function starting at entry. Go functions
// are looked up in the runtime's function table, which survives stripping.
// Anything else needs the executable's ELF symbol table.
func funcSize(proc Process, entry uintptr) (int, error) {
	if size, ok := funcTableSize(entry); ok {
		return size, nil
	}

	symbolsOnce.Do(func() {
		symbolSizes, loadBase, symbolsErr = loadSymbols()
	})
	if symbolsErr != nil {
		return 0, symbolsErr
	}

	image, err := proc.Image()
	if err != nil {
		return 0, err
	}
	bias := uint64(image.Base) - loadBase

	size, ok := symbolSizes[uint64(entry)-bias]
	if !ok {
		return 0, fmt.Errorf("no symbol at %#x", entry)
	}
	return int(size), nil
}

func loadSymbols() (map[uint64]uint64, uint64, error) {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return nil, 0, err
	}
	f, err := elf.Open(exe)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", exe, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, 0, fmt.Errorf("reading symbols of %s: %w", exe, err)
	}

	sizes := make(map[uint64]uint64, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Size > 0 {
			sizes[s.Value] = s.Size
		}
	}

	// The image base reported by the maps file is the page of the first
	// loadable segment.
	base := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			base = min(base, alignDown(p.Vaddr, uint64(os.Getpagesize())))
		}
	}
	if base == ^uint64(0) {
		return nil, 0, fmt.Errorf("%s has no loadable segments", exe)
	}
	return sizes, base, nil
}
