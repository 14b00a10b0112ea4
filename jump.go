package livepatch

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	opcodeJMP  = 0xe9 // JMP rel32
	opcodeINT3 = 0xcc
	opcodeNOP  = 0x90

	jumpSize = 5 // 1 byte opcode + 4 byte displacement
)

// encodeJump returns n bytes that jump from from to to when placed at from.
// The bytes after the 5 byte jump are filled with pad.
func encodeJump(from, to uintptr, n int, pad byte, ptrSize int) ([]byte, error) {
	if n < jumpSize {
		return nil, fmt.Errorf("%d bytes is too small for a jump", n)
	}
	rel, err := rel32(from+jumpSize, to, ptrSize)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	for i := jumpSize; i < n; i++ {
		buf[i] = pad
	}
	return buf, nil
}

// rel32 returns the displacement from next, the address of the following
// instruction, to dest. In a 32-bit target every displacement wraps and
// fits. In a 64-bit target dest must be within 2GB.
func rel32(next, dest uintptr, ptrSize int) (int32, error) {
	if ptrSize == 4 {
		return int32(uint32(dest) - uint32(next)), nil
	}
	diff := int64(dest) - int64(next)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return 0, fmt.Errorf("jump from %#x to %#x is out of rel32 range", next-jumpSize, dest)
	}
	return int32(diff), nil
}

// jumpDest decodes the destination of a jump written by encodeJump at from.
func jumpDest(code []byte, from uintptr, ptrSize int) (uintptr, bool) {
	if len(code) < jumpSize || code[0] != opcodeJMP {
		return 0, false
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	dest := from + jumpSize + uintptr(int64(rel))
	if ptrSize == 4 {
		dest = uintptr(uint32(dest))
	}
	return dest, true
}

// putPointer encodes v as a little endian pointer of the target's width.
func putPointer(v uintptr, ptrSize int) []byte {
	buf := make([]byte, ptrSize)
	switch ptrSize {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
	return buf
}

func readPointer(b []byte, ptrSize int) uintptr {
	switch ptrSize {
	case 4:
		return uintptr(binary.LittleEndian.Uint32(b))
	default:
		return uintptr(binary.LittleEndian.Uint64(b))
	}
}
