package livepatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/arch/x86/x86asm"
)

func TestCheckStolen(t *testing.T) {
	tests := map[string]struct {
		code   []byte
		n      int
		mode   int
		errors bool
	}{
		"prologue":          {[]byte{0x55, 0x89, 0xe5, 0x83, 0xec, 0x08}, 6, 32, false},
		"splits sub":        {[]byte{0x55, 0x89, 0xe5, 0x83, 0xec, 0x08}, 5, 32, true},
		"cut off sub":       {[]byte{0x55, 0x89, 0xe5, 0x83, 0xec}, 5, 32, true},
		"cut off call":      {[]byte{0x90, 0xe8, 0x00, 0x00, 0x00}, 5, 32, true},
		"short input":       {[]byte{0x55, 0x89, 0xe5}, 5, 32, true},
		"call rel32":        {[]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 5, 32, true},
		"jne rel8":          {[]byte{0x75, 0x03, 0x90, 0x90, 0x90}, 5, 32, true},
		"absolute memory":   {[]byte{0xa1, 0x00, 0x10, 0x40, 0x00}, 5, 32, false},
		"64-bit prologue":   {[]byte{0x55, 0x48, 0x89, 0xe5, 0x90}, 5, 64, false},
		"rip relative":      {[]byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00}, 7, 64, true},
		"register indirect": {[]byte{0x48, 0x8b, 0x07, 0x90, 0x90}, 5, 64, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := checkStolen(tc.code, 0x401000, tc.n, tc.mode)
			if tc.errors {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisassemble(t *testing.T) {
	assert := assert.New(t)

	out := disassemble([]byte{0x55, 0x89, 0xe5, 0xc3}, 0x401000, 32)
	assert.Contains(out, "0x00401000\t55")
	assert.Contains(out, "0x00401001\t89e5")
	assert.Contains(out, "0x00401003\tc3")

	out = disassemble([]byte{0x0f}, 0x401000, 32)
	assert.Contains(out, "0x00401000\t0f")
	assert.Contains(out, "(bad)")

	out = disassemble([]byte{0x90, 0x83, 0xec}, 0x401000, 32)
	assert.Contains(out, "0x00401000\t90")
	assert.Contains(out, "0x00401001\t83ec")
	assert.Contains(out, "(bad)")
}

func TestDecode_Truncated(t *testing.T) {
	_, err := decode([]byte{0x83, 0xec}, 32)
	assert.ErrorIs(t, err, x86asm.ErrTruncated)

	inst, err := decode([]byte{0x83, 0xec, 0x08}, 32)
	if assert.NoError(t, err) {
		assert.Equal(t, 3, inst.Len)
		assert.Equal(t, x86asm.SUB, inst.Op)
	}
}
