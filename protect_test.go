package livepatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtectionString(t *testing.T) {
	tests := map[Protection]string{
		ProtNone:                  "---",
		ProtRX:                    "r-x",
		ProtRW | ProtCopy:         "rw-+copy",
		ProtRead | ProtGuard:      "r--+guard",
		ProtRWX | ProtNoCache:     "rwx+nocache",
		ProtRW | ProtWriteCombine: "rw-+wc",
	}
	for p, want := range tests {
		assert.Equal(t, want, p.String())
	}
}

func TestProtectionAccess(t *testing.T) {
	assert := assert.New(t)

	assert.True(ProtRX.Readable())
	assert.False(ProtRX.Writable())
	assert.True(ProtRW.Writable())
	assert.False(ProtExec.Readable())
	assert.False((ProtRWX | ProtGuard).Readable())
	assert.False((ProtRWX | ProtGuard).Writable())

	assert.True(Region{Committed: true, Prot: ProtRead}.Accessible())
	assert.False(Region{Prot: ProtRead}.Accessible())
}

func TestAlign(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uintptr(0x1000), alignDown(uintptr(0x1fff), 0x1000))
	assert.Equal(uintptr(0x2000), alignUp(uintptr(0x1001), 0x1000))
	assert.Equal(uintptr(0x1000), alignUp(uintptr(0x1000), 0x1000))
	assert.Equal(8, alignUp(5, 4))
}

func TestSpans(t *testing.T) {
	assert := assert.New(t)

	buf := NewBuffer(testBase, make([]byte, 3*BufferPageSize))
	buf.SetProtection(testBase+BufferPageSize, BufferPageSize, ProtRW)

	pieces, err := spans(buf, testBase+0x800, 2*BufferPageSize)
	assert.NoError(err)
	assert.Equal([]Region{
		{Base: testBase + 0x800, Size: 0x800, Committed: true, Prot: ProtRX},
		{Base: testBase + BufferPageSize, Size: BufferPageSize, Committed: true, Prot: ProtRW},
		{Base: testBase + 2*BufferPageSize, Size: 0x800, Committed: true, Prot: ProtRX},
	}, pieces)

	_, err = spans(buf, testBase+3*BufferPageSize, 2*BufferPageSize)
	assert.Error(err)
}
