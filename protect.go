package livepatch

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// Protection describes the access rights of a range of target memory.
type Protection uint16

const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
	ProtExec  Protection = 1 << 2

	// ProtCopy marks copy-on-write mappings. It is only meaningful with
	// ProtWrite.
	ProtCopy Protection = 1 << 3

	// Modifiers. ProtGuard pages fault on first access, so they are never
	// considered accessible.
	ProtGuard        Protection = 1 << 4
	ProtNoCache      Protection = 1 << 5
	ProtWriteCombine Protection = 1 << 6

	ProtRX  = ProtRead | ProtExec
	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec

	protModifiers = ProtGuard | ProtNoCache | ProtWriteCombine
)

// Readable reports whether memory with this protection can be read without
// faulting.
func (p Protection) Readable() bool {
	return p&ProtRead != 0 && p&ProtGuard == 0
}

// Writable reports whether memory with this protection can be written
// without faulting.
func (p Protection) Writable() bool {
	return p&ProtWrite != 0 && p&ProtGuard == 0
}

func (p Protection) String() string {
	var b strings.Builder
	for _, f := range []struct {
		flag Protection
		c    byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.flag != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	if p&ProtCopy != 0 {
		b.WriteString("+copy")
	}
	if p&ProtGuard != 0 {
		b.WriteString("+guard")
	}
	if p&ProtNoCache != 0 {
		b.WriteString("+nocache")
	}
	if p&ProtWriteCombine != 0 {
		b.WriteString("+wc")
	}
	return b.String()
}

// alignDown rounds a down to a multiple of b, which must be a power of two.
func alignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

// alignUp rounds a up to a multiple of b, which must be a power of two.
func alignUp[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}
