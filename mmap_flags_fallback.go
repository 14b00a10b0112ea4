//go:build linux && !amd64

package livepatch

// Only amd64 has MAP_32BIT. Elsewhere the kernel picks the address and a
// trampoline may end up out of jump range, which Install reports.
const map_32bit = 0
