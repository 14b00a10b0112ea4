package livepatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionImage() []byte {
	image := make([]byte, BufferPageSize)
	for i := range image {
		image[i] = byte(i)
	}
	return image
}

func TestSession_PatchRestore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	image := sessionImage()
	e, buf := testEngine(t, image)
	s := e.NewSession()

	require.NoError(s.PatchGame([]Edit{
		{Address: testBase + 0x10, Bytes: []byte{0xa1, 0xa2, 0xa3, 0xa4}},
		{Address: testBase + 0x12, Bytes: []byte{0xb1, 0xb2, 0xb3, 0xb4}},
	}))
	require.NoError(s.PatchGame([]Edit{
		{Address: testBase + 0x11, Bytes: []byte{0xc1}},
	}))
	assert.Equal([]byte{0xa1, 0xc1, 0xb1, 0xb2, 0xb3, 0xb4}, buf.Bytes(testBase+0x10, 6))
	assert.True(s.Applied())

	records := s.Records()
	if assert.Len(records, 3) {
		assert.Equal([]byte{0x10, 0x11, 0x12, 0x13}, records[0].Original)
		assert.Equal([]byte{0xa3, 0xa4, 0x14, 0x15}, records[1].Original)
		assert.Equal([]byte{0xa2}, records[2].Original)
		assert.True(records[2].Applied)
	}

	require.NoError(s.RestoreGame())
	assert.Equal(image, buf.Bytes(testBase, len(image)))
	assert.False(s.Applied())
	assert.Empty(s.Records())
	assert.Equal(ProtRX, buf.ProtectionAt(testBase))
}

func TestSession_RollbackOnFailure(t *testing.T) {
	assert := assert.New(t)

	image := sessionImage()
	e, buf := testEngine(t, image)
	s := e.NewSession()

	edits := []Edit{
		{Address: testBase + 0x10, Bytes: []byte{1, 2}},
		{Address: testBase + 0x20, Bytes: []byte{3, 4}},
		{Address: testBase + 0x30, Bytes: []byte{5, 6}},
	}
	buf.OnWrite = func(addr uintptr, _ []byte) error {
		if addr == testBase+0x30 {
			return errors.New("denied")
		}
		return nil
	}

	err := s.PatchGame(edits)
	assert.ErrorIs(err, ErrAccessViolation)
	assert.ErrorContains(err, "edit 2")
	assert.Equal(image, buf.Bytes(testBase, len(image)))
	assert.Empty(s.Records())
	assert.False(s.Applied())
}

func TestSession_RollbackFails(t *testing.T) {
	assert := assert.New(t)

	e, buf := testEngine(t, sessionImage())
	s := e.NewSession()

	first := 0
	buf.OnWrite = func(addr uintptr, _ []byte) error {
		switch addr {
		case testBase + 0x10:
			first++
			if first > 1 {
				return errors.New("rollback denied")
			}
		case testBase + 0x30:
			return errors.New("denied")
		}
		return nil
	}

	err := s.PatchGame([]Edit{
		{Address: testBase + 0x10, Bytes: []byte{1, 2}},
		{Address: testBase + 0x20, Bytes: []byte{3, 4}},
		{Address: testBase + 0x30, Bytes: []byte{5, 6}},
	})
	assert.ErrorIs(err, ErrAccessViolation)
	assert.ErrorIs(err, ErrPartialRestoreFailure)
	assert.ErrorContains(err, fmt.Sprintf("partial restore failure at [%#x]", testBase+0x10))
	assert.Equal([]byte{1, 2}, buf.Bytes(testBase+0x10, 2))
	assert.Equal([]byte{0x20, 0x21}, buf.Bytes(testBase+0x20, 2))
}

func TestSession_RollbackProtectionNotRestored(t *testing.T) {
	tests := map[string]struct {
		failures int
	}{
		"once":   {failures: 1},
		"always": {failures: -1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			image := append(sessionImage(), sessionImage()...)
			e, buf := testEngine(t, image)
			s := e.NewSession()

			second := uintptr(testBase + BufferPageSize)
			failures := tc.failures
			buf.OnProtect = func(addr, _ uintptr, prot Protection) error {
				if addr < second || prot != ProtRX || failures == 0 {
					return nil
				}
				failures--
				return errors.New("denied")
			}

			err := s.PatchGame([]Edit{
				{Address: testBase + 0x10, Bytes: []byte{0xaa, 0xbb}},
				{Address: second + 0x10, Bytes: []byte{0xcc, 0xdd}},
			})
			assert.ErrorIs(err, ErrProtectionRestoreFailed)
			assert.ErrorContains(err, "edit 1")
			assert.NotErrorIs(err, ErrPartialRestoreFailure)
			assert.Equal(image, buf.Bytes(testBase, len(image)))
			assert.Empty(s.Records())
			assert.False(s.Applied())
		})
	}
}

func TestSession_RestoreFails(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	image := sessionImage()
	e, buf := testEngine(t, image)
	s := e.NewSession()

	require.NoError(s.PatchGame([]Edit{
		{Address: testBase + 0x10, Bytes: []byte{1, 2}},
		{Address: testBase + 0x20, Bytes: []byte{3, 4}},
	}))

	buf.OnWrite = func(addr uintptr, _ []byte) error {
		if addr == testBase+0x10 {
			return errors.New("denied")
		}
		return nil
	}
	err := s.RestoreGame()
	var perr *Error
	if assert.ErrorAs(err, &perr) {
		assert.Equal(PartialRestoreFailure, perr.Kind)
		assert.Equal([]uintptr{testBase + 0x10}, perr.Addrs)
	}
	assert.Equal([]byte{0x20, 0x21}, buf.Bytes(testBase+0x20, 2))

	records := s.Records()
	if assert.Len(records, 1) {
		assert.Equal(uintptr(testBase+0x10), records[0].Address)
		assert.True(records[0].Applied)
	}

	buf.OnWrite = nil
	require.NoError(s.RestoreGame())
	assert.Equal(image, buf.Bytes(testBase, len(image)))
	assert.Empty(s.Records())
}

func TestSession_Invalid(t *testing.T) {
	assert := assert.New(t)

	e, buf := testEngine(t, sessionImage())
	s := e.NewSession()

	err := s.PatchGame([]Edit{
		{Address: testBase + 0x10, Bytes: []byte{1}},
		{Address: testBase + 0x20},
	})
	assert.ErrorIs(err, ErrInvalidArgument)
	assert.Equal([]byte{0x10}, buf.Bytes(testBase+0x10, 1))

	err = s.PatchGame([]Edit{
		{Address: testBase + 0x10, Bytes: []byte{1}},
		{Address: 0x1000, Bytes: []byte{1}},
	})
	assert.ErrorIs(err, ErrInvalidAddress)
	assert.Equal([]byte{0x10}, buf.Bytes(testBase+0x10, 1))

	require.NoError(t, e.Detach())
	assert.ErrorIs(s.PatchGame([]Edit{{Address: testBase, Bytes: []byte{1}}}), ErrNotInitialized)
	assert.ErrorIs(s.RestoreGame(), ErrNotInitialized)
}

func TestSession_Flushes(t *testing.T) {
	e, buf := testEngine(t, sessionImage())
	s := e.NewSession()

	require.NoError(t, s.PatchGame([]Edit{NopEdit(testBase+0x10, 3)}))
	assert.Equal(t, []Region{{Base: testBase + 0x10, Size: 3}}, buf.Flushes())
	assert.Equal(t, []byte{0x90, 0x90, 0x90}, buf.Bytes(testBase+0x10, 3))
}

func TestJumpEdit(t *testing.T) {
	assert := assert.New(t)

	edit, err := JumpEdit(0x1000, 0x2000, 7, 4)
	if assert.NoError(err) {
		assert.Equal(uintptr(0x1000), edit.Address)
		assert.Equal([]byte{0xe9, 0xfb, 0x0f, 0x00, 0x00, 0x90, 0x90}, edit.Bytes)
	}

	_, err = JumpEdit(0x1000, 0x2000, 4, 4)
	assert.ErrorIs(err, ErrInvalidArgument)
}
