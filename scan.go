package livepatch

import (
	"fmt"

	"github.com/rs/zerolog"
)

// scanChunk is the most bytes read from the target at once while scanning.
const scanChunk = 1 << 20

// Scanner searches the target image for byte patterns.
type Scanner struct {
	mem *Memory
	log zerolog.Logger
}

// NewScanner returns a Scanner that reads through mem.
func NewScanner(mem *Memory, log zerolog.Logger) *Scanner {
	return &Scanner{mem: mem, log: log}
}

// Scan returns the lowest address in the target image where p matches.
// found is false when there is no match.
func (s *Scanner) Scan(p Pattern) (addr uintptr, found bool, err error) {
	matches, err := s.scan(p, 1)
	if err != nil || len(matches) == 0 {
		return 0, false, err
	}
	return matches[0], true, nil
}

// ScanAll returns every address in the target image where p matches, in
// ascending order.
func (s *Scanner) ScanAll(p Pattern) ([]uintptr, error) {
	return s.scan(p, -1)
}

// Require is like Scan but reports a missing match as PatternNotFound.
func (s *Scanner) Require(p Pattern) (uintptr, error) {
	addr, found, err := s.Scan(p)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, newError(PatternNotFound, 0, "%s", p)
	}
	return addr, nil
}

// scan collects up to limit matches, or all of them if limit is negative.
func (s *Scanner) scan(p Pattern, limit int) ([]uintptr, error) {
	if s.mem.closed {
		return nil, ErrNotInitialized
	}
	if p.Len() == 0 {
		return nil, newError(InvalidArgument, 0, "empty pattern")
	}

	image, err := s.mem.proc.Image()
	if err != nil {
		return nil, wrapError(ImageUnavailable, 0, err)
	}
	regions, err := s.mem.proc.Regions()
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}

	var matches []uintptr
	for _, r := range regions {
		start := max(r.Base, image.Base)
		end := min(r.End(), image.Base+image.Size)
		if start >= end {
			continue
		}
		if !r.Accessible() {
			s.log.Debug().Str("addr", hexAddr(start)).Str("region", describeRegion(r)).Msg("skipping region")
			continue
		}

		matches = s.scanRange(p, start, end, matches, limit)
		if limit >= 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

// scanRange appends the matches that lie entirely within [start, end). The
// range is read in chunks that overlap by one byte less than the pattern.
func (s *Scanner) scanRange(p Pattern, start, end uintptr, matches []uintptr, limit int) []uintptr {
	n := uintptr(p.Len())
	if end-start < n {
		return matches
	}

	buf := make([]byte, min(end-start, scanChunk+n-1))
	for off := start; off+n <= end; off += scanChunk {
		size := min(end-off, scanChunk+n-1)
		chunk := buf[:size]
		if err := s.mem.proc.ReadAt(chunk, off); err != nil {
			// The region can change between listing and reading.
			s.log.Debug().Err(err).Str("addr", hexAddr(off)).Msg("skipping unreadable chunk")
			return matches
		}

		for i := p.index(chunk, 0); i >= 0 && uintptr(i) < scanChunk; i = p.index(chunk, i+1) {
			matches = append(matches, off+uintptr(i))
			if limit >= 0 && len(matches) >= limit {
				return matches
			}
		}
	}
	return matches
}
