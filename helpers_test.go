package livepatch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testBase = 0x400000

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// testEngine attaches to a Buffer holding image with an empty supplied
// profile, so no version detection runs.
func testEngine(t *testing.T, image []byte, opts ...Option) (*Engine, *Buffer) {
	t.Helper()
	buf := NewBuffer(testBase, image)
	opts = append([]Option{
		WithLogger(testLogger(t)),
		WithProfile(NewBuildProfile("test", nil)),
	}, opts...)
	e, err := Attach(buf, opts...)
	require.NoError(t, err)
	return e, buf
}

func testMemory(t *testing.T, image []byte) (*Memory, *Buffer) {
	buf := NewBuffer(testBase, image)
	return NewMemory(buf, testLogger(t)), buf
}
