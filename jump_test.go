package livepatch

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestEncodeJump(t *testing.T) {
	tests := map[string]struct {
		from, to uintptr
		n        int
		pad      byte
		ptrSize  int
		want     []byte
	}{
		"forward":   {0x1000, 0x2000, 5, opcodeNOP, 4, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}},
		"backward":  {0x2000, 0x1000, 5, opcodeNOP, 4, []byte{0xe9, 0xfb, 0xef, 0xff, 0xff}},
		"padded":    {0x1000, 0x1005, 7, opcodeINT3, 4, []byte{0xe9, 0x00, 0x00, 0x00, 0x00, 0xcc, 0xcc}},
		"wraps":     {0xfffff000, 0x1000, 5, opcodeNOP, 4, []byte{0xe9, 0xfb, 0x1f, 0x00, 0x00}},
		"64-bit":    {0x1000, 0x2000, 6, opcodeNOP, 8, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00, 0x90}},
		"to itself": {0x1000, 0x1000, 5, opcodeNOP, 4, []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			code, err := encodeJump(tc.from, tc.to, tc.n, tc.pad, tc.ptrSize)
			if assert.NoError(err) {
				assert.Equal(tc.want, code)
			}

			dest, ok := jumpDest(code, tc.from, tc.ptrSize)
			assert.True(ok)
			assert.Equal(tc.to, dest)
		})
	}
}

func TestEncodeJump_Errors(t *testing.T) {
	_, err := encodeJump(0x1000, 0x2000, 4, opcodeNOP, 4)
	assert.Error(t, err)

	if unsafe.Sizeof(uintptr(0)) < 8 {
		t.Skip("64-bit addresses need a 64-bit host")
	}
	far := uintptr(1)
	far <<= 40
	_, err = encodeJump(0x1000, far, 5, opcodeNOP, 8)
	assert.ErrorContains(t, err, "out of rel32 range")
}

func TestJumpDest_NotAJump(t *testing.T) {
	_, ok := jumpDest([]byte{0x90, 0, 0, 0, 0}, 0x1000, 4)
	assert.False(t, ok)
	_, ok = jumpDest([]byte{0xe9}, 0x1000, 4)
	assert.False(t, ok)
}

func TestPointer(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]byte{0x44, 0x33, 0x22, 0x11}, putPointer(0x11223344, 4))
	assert.Equal([]byte{0x44, 0x33, 0x22, 0x11, 0, 0, 0, 0}, putPointer(0x11223344, 8))
	assert.Equal(uintptr(0x11223344), readPointer([]byte{0x44, 0x33, 0x22, 0x11}, 4))
	assert.Equal(uintptr(0x11223344), readPointer([]byte{0x44, 0x33, 0x22, 0x11, 0, 0, 0, 0}, 8))
}

func TestStrategy(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(5, JumpStrategy(5).patchLen(8))
	assert.Equal(4, ImportSlotStrategy().patchLen(4))
	assert.Equal(8, VTableSlotStrategy().patchLen(8))

	assert.NoError(TrampolineStrategy(5).validate())
	assert.Error(TrampolineStrategy(4).validate())
	assert.Error(Strategy{}.validate())

	assert.Equal("trampoline/6", TrampolineStrategy(6).String())
	assert.Equal("import slot", ImportSlotStrategy().String())
	assert.Equal("strategy(9)", StrategyKind(9).String())
}
