package livepatch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRead  = unix.PROT_READ
	protWrite = unix.PROT_WRITE
	protExec  = unix.PROT_EXEC

	mprotectRX  = protRead | protExec
	mprotectRWX = protRead | protWrite | protExec
)

// mprotect changes the protection of every page touched by [addr,
// addr+size) in the current process.
func mprotect(addr, size uintptr, flags int) error {
	pageSize := uintptr(unix.Getpagesize())

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := alignDown(addr, pageSize)

	// Round up to cover complete pages, including the offset from
	// pageStart to addr.
	regionSize := alignUp(addr-pageStart+size, pageSize)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return unix.Mprotect(region, flags)
}
