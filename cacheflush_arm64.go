//go:build linux && arm64

package livepatch

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

import "unsafe"

func cacheflush(addr, size uintptr) {
	start := unsafe.Pointer(addr)
	end := unsafe.Pointer(addr + size)
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
