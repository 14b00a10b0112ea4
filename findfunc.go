//go:build linux && amd64

package livepatch

import (
	"sort"
	_ "unsafe"
)

// The types below mirror the runtime's function table. Only the leading
// fields are declared.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32

	args        int32
	deferreturn uint32

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
	_         [1]byte
	nfuncdata uint8
}

// moduledata is written by the linker. It must match
// cmd/link/internal/ld/symtab.go up to the last field declared here.
type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type pcHeader struct {
	magic uint32
}

type functab struct {
	entryoff uint32 // relative to moduledata.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcTableSize returns the distance from entry to the next function in the
// runtime's function table. ok is false if entry is not the start of a Go
// function.
func funcTableSize(entry uintptr) (size int, ok bool) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return 0, false
	}
	off := uint32(entry - info.datap.text)
	if info.entryOff != off {
		return 0, false
	}

	// ftab is sorted by entry offset.
	ftab := info.datap.ftab
	end := uint32(info.datap.etext - info.datap.text)
	if i := sort.Search(len(ftab), func(i int) bool { return ftab[i].entryoff > off }); i < len(ftab) {
		end = min(end, ftab[i].entryoff)
	}
	return int(end - off), true
}
