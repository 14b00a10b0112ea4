package livepatch

import "golang.org/x/sys/unix"

// Stubs are mapped in the low 2GB, where the Go linker places non-PIE
// executables, so a rel32 jump reaches them from the text segment.
const map_32bit = unix.MAP_32BIT
