//go:build !linux && !windows

package livepatch

import (
	"errors"
	"fmt"
	"runtime"
)

// Open is only implemented on Linux and Windows.
func Open(pid int) (Process, error) {
	return nil, fmt.Errorf("open process on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}

// Self is only implemented on Linux and Windows.
func Self() (Process, error) {
	return nil, fmt.Errorf("attach to self on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}
