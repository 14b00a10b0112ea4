package livepatch

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteMemory(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	image := bytes.Repeat([]byte{0xcc}, 2*BufferPageSize)
	mem, buf := testMemory(t, image)
	addr := uintptr(testBase + 0x10)

	original, err := mem.ReadMemory(addr, 4)
	require.NoError(err)
	assert.Equal([]byte{0xcc, 0xcc, 0xcc, 0xcc}, original)

	require.NoError(mem.WriteMemory(addr, []byte{1, 2, 3, 4}))
	got, err := mem.ReadMemory(addr, 4)
	require.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4}, got)
	assert.Equal(ProtRX, buf.ProtectionAt(addr))

	require.NoError(mem.WriteMemory(addr, original))
	assert.Equal(image[:BufferPageSize], buf.Bytes(testBase, BufferPageSize))
	assert.Equal(ProtRX, buf.ProtectionAt(addr))
}

func TestWriteMemory_AcrossRegions(t *testing.T) {
	assert := assert.New(t)

	mem, buf := testMemory(t, make([]byte, 2*BufferPageSize))
	buf.SetProtection(testBase+BufferPageSize, BufferPageSize, ProtRW)

	addr := uintptr(testBase + BufferPageSize - 2)
	assert.NoError(mem.WriteMemory(addr, []byte{1, 2, 3, 4}))
	assert.Equal([]byte{1, 2, 3, 4}, buf.Bytes(addr, 4))
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
	assert.Equal(ProtRW, buf.ProtectionAt(testBase+BufferPageSize))
}

func TestWriteMemory_Failures(t *testing.T) {
	addr := uintptr(testBase + 0x10)
	denied := errors.New("denied")

	tests := map[string]struct {
		setup   func(buf *Buffer)
		kind    Kind
		written bool
		prot    Protection
	}{
		"write faults": {
			setup: func(buf *Buffer) {
				buf.OnWrite = func(uintptr, []byte) error { return denied }
			},
			kind: AccessViolation,
			prot: ProtRX,
		},
		"protection change fails": {
			setup: func(buf *Buffer) {
				buf.OnProtect = func(_, _ uintptr, prot Protection) error {
					if prot == ProtRWX {
						return denied
					}
					return nil
				}
			},
			kind: ProtectionFailed,
			prot: ProtRX,
		},
		"protection restore fails": {
			setup: func(buf *Buffer) {
				buf.OnProtect = func(_, _ uintptr, prot Protection) error {
					if prot == ProtRX {
						return denied
					}
					return nil
				}
			},
			kind:    ProtectionRestoreFailed,
			written: true,
			prot:    ProtRWX,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			mem, buf := testMemory(t, make([]byte, BufferPageSize))
			tc.setup(buf)

			err := mem.WriteMemory(addr, []byte{1, 2, 3, 4})
			assert.ErrorIs(err, denied)
			assert.Equal(tc.kind, KindOf(err))
			if tc.written {
				assert.Equal([]byte{1, 2, 3, 4}, buf.Bytes(addr, 4))
			} else {
				assert.Equal([]byte{0, 0, 0, 0}, buf.Bytes(addr, 4))
			}
			assert.Equal(tc.prot, buf.ProtectionAt(addr))
		})
	}
}

func TestWriteMemory_ProtectionFailedRestoresEarlierRegions(t *testing.T) {
	assert := assert.New(t)

	mem, buf := testMemory(t, make([]byte, 2*BufferPageSize))
	buf.SetProtection(testBase+BufferPageSize, BufferPageSize, ProtRW)
	buf.OnProtect = func(addr, _ uintptr, prot Protection) error {
		if addr >= testBase+BufferPageSize && prot == ProtRWX {
			return errors.New("denied")
		}
		return nil
	}

	err := mem.WriteMemory(testBase+BufferPageSize-2, []byte{1, 2, 3, 4})
	assert.ErrorIs(err, ErrProtectionFailed)
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
	assert.Equal(ProtRW, buf.ProtectionAt(testBase+BufferPageSize))
	assert.Equal([]byte{0, 0, 0, 0}, buf.Bytes(testBase+BufferPageSize-2, 4))
}

func TestReadWriteMemory_InvalidAddress(t *testing.T) {
	assert := assert.New(t)

	mem, buf := testMemory(t, make([]byte, 4*BufferPageSize))
	buf.SetProtection(testBase+BufferPageSize, BufferPageSize, ProtNone)
	buf.SetProtection(testBase+2*BufferPageSize, BufferPageSize, ProtRX|ProtGuard)
	buf.Decommit(testBase+3*BufferPageSize, BufferPageSize)

	for _, addr := range []uintptr{
		0x1000,
		testBase + BufferPageSize,
		testBase + 2*BufferPageSize,
		testBase + 3*BufferPageSize,
	} {
		_, err := mem.ReadMemory(addr, 4)
		assert.ErrorIs(err, ErrInvalidAddress, "%#x", addr)
	}

	for _, addr := range []uintptr{
		0x1000,
		testBase + 2*BufferPageSize,
		testBase + 3*BufferPageSize,
	} {
		err := mem.WriteMemory(addr, []byte{1})
		assert.ErrorIs(err, ErrInvalidAddress, "%#x", addr)
	}
}

func TestReadMemory_Fault(t *testing.T) {
	mem, buf := testMemory(t, make([]byte, BufferPageSize))
	buf.OnRead = func(uintptr, int) error { return errors.New("fault") }

	_, err := mem.ReadMemory(testBase, 4)
	assert.ErrorIs(t, err, ErrAccessViolation)
}

func TestReadWriteMemory_InvalidArgument(t *testing.T) {
	assert := assert.New(t)

	mem, _ := testMemory(t, make([]byte, BufferPageSize))

	_, err := mem.ReadMemory(testBase, 0)
	assert.ErrorIs(err, ErrInvalidArgument)

	err = mem.WriteMemory(testBase, nil)
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestValidateAddress(t *testing.T) {
	mem, buf := testMemory(t, make([]byte, 8*BufferPageSize))
	page := func(i int) uintptr { return testBase + uintptr(i)*BufferPageSize }

	buf.SetProtection(page(1), BufferPageSize, ProtRW)
	buf.SetProtection(page(2), BufferPageSize, ProtRead)
	buf.SetProtection(page(3), BufferPageSize, ProtRWX)
	buf.SetProtection(page(4), BufferPageSize, ProtExec)
	buf.SetProtection(page(5), BufferPageSize, ProtNone)
	buf.SetProtection(page(6), BufferPageSize, ProtRW|ProtGuard)
	buf.Decommit(page(7), BufferPageSize)

	tests := map[string]struct {
		addr uintptr
		size uintptr
		want bool
	}{
		"read execute":      {page(0), 16, true},
		"read write":        {page(1), 16, true},
		"read only":         {page(2), 16, true},
		"all":               {page(3), 16, true},
		"execute only":      {page(4), 16, false},
		"no access":         {page(5), 16, false},
		"guard":             {page(6), 16, false},
		"decommitted":       {page(7), 16, false},
		"across readable":   {page(1) - 8, 16, true},
		"into no access":    {page(5) - 8, 16, false},
		"unmapped":          {0x1000, 16, false},
		"zero size":         {page(0), 0, false},
		"wraps":             {^uintptr(0) - 4, 16, false},
		"past end of image": {page(8) + BufferPageSize - 8, 16, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, mem.ValidateAddress(tc.addr, tc.size))
		})
	}
}

func TestProtectMemory(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mem, buf := testMemory(t, make([]byte, 2*BufferPageSize))

	require.NoError(mem.ProtectMemory(testBase, BufferPageSize, ProtRW))
	assert.Equal(ProtRW, buf.ProtectionAt(testBase))

	// Protecting again keeps the first original.
	require.NoError(mem.ProtectMemory(testBase, BufferPageSize, ProtRead))
	assert.Equal(ProtRead, buf.ProtectionAt(testBase))

	err := mem.ProtectMemory(testBase, 2*BufferPageSize, ProtRead)
	assert.ErrorIs(err, ErrInvalidArgument)

	regions := mem.ProtectedRegions()
	if assert.Len(regions, 1) {
		assert.Equal(uintptr(testBase), regions[0].Address)
		assert.Equal(uintptr(BufferPageSize), regions[0].Size)
		assert.Equal(ProtRX, regions[0].Original)
	}

	require.NoError(mem.UnprotectMemory(testBase))
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
	assert.Empty(mem.ProtectedRegions())

	err = mem.UnprotectMemory(testBase)
	assert.ErrorIs(err, ErrInvalidAddress)
}

func TestProtectMemory_Decommitted(t *testing.T) {
	mem, buf := testMemory(t, make([]byte, BufferPageSize))
	buf.Decommit(testBase, BufferPageSize)

	err := mem.ProtectMemory(testBase, BufferPageSize, ProtRW)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestMemoryClose(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mem, buf := testMemory(t, make([]byte, 2*BufferPageSize))
	require.NoError(mem.ProtectMemory(testBase, BufferPageSize, ProtRW))
	require.NoError(mem.ProtectMemory(testBase+BufferPageSize, BufferPageSize, ProtRWX))

	require.NoError(mem.Close())
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
	assert.Equal(ProtRX, buf.ProtectionAt(testBase+BufferPageSize))

	_, err := mem.ReadMemory(testBase, 1)
	assert.ErrorIs(err, ErrNotInitialized)
	assert.ErrorIs(mem.WriteMemory(testBase, []byte{1}), ErrNotInitialized)
	assert.ErrorIs(mem.ProtectMemory(testBase, 1, ProtRW), ErrNotInitialized)
	assert.False(mem.ValidateAddress(testBase, 1))
	assert.NoError(mem.Close())
}

func TestMemoryClose_RestoreFails(t *testing.T) {
	assert := assert.New(t)

	mem, buf := testMemory(t, make([]byte, 2*BufferPageSize))
	require.NoError(t, mem.ProtectMemory(testBase, BufferPageSize, ProtRW))
	require.NoError(t, mem.ProtectMemory(testBase+BufferPageSize, BufferPageSize, ProtRW))
	buf.OnProtect = func(addr, _ uintptr, _ Protection) error {
		if addr == testBase+BufferPageSize {
			return errors.New("denied")
		}
		return nil
	}

	err := mem.Close()
	var e *Error
	if assert.ErrorAs(err, &e) {
		assert.Equal(ProtectionRestoreFailed, e.Kind)
		assert.Equal([]uintptr{testBase + BufferPageSize}, e.Addrs)
	}
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
}
