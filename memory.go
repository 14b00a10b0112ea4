package livepatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// MemoryRegion is an outstanding protection change made by
// Memory.ProtectMemory.
type MemoryRegion struct {
	Address  uintptr
	Size     uintptr
	Original Protection

	// Protection per underlying region, as it was before the change.
	spans []Region
}

// Memory reads and writes target memory. Writes lift the protection of the
// affected pages for their duration only. Memory is not safe for concurrent
// use.
type Memory struct {
	proc      Process
	log       zerolog.Logger
	protected map[uintptr]*MemoryRegion
	closed    bool
}

// NewMemory returns a Memory for proc.
func NewMemory(proc Process, log zerolog.Logger) *Memory {
	return &Memory{
		proc:      proc,
		log:       log,
		protected: map[uintptr]*MemoryRegion{},
	}
}

// Process returns the target.
func (m *Memory) Process() Process {
	return m.proc
}

// ValidateAddress reports whether every byte of [addr, addr+size) is
// committed and readable.
func (m *Memory) ValidateAddress(addr, size uintptr) bool {
	if m.closed || size == 0 || addr+size < addr {
		return false
	}
	pieces, err := spans(m.proc, addr, size)
	if err != nil {
		return false
	}
	for _, p := range pieces {
		if !p.Accessible() {
			return false
		}
	}
	return true
}

// ReadMemory copies size bytes from addr.
func (m *Memory) ReadMemory(addr uintptr, size int) ([]byte, error) {
	if m.closed {
		return nil, ErrNotInitialized
	}
	if size <= 0 {
		return nil, newError(InvalidArgument, addr, "read size %d", size)
	}
	if !m.ValidateAddress(addr, uintptr(size)) {
		return nil, newError(InvalidAddress, addr, "%d bytes are not readable", size)
	}

	buf := make([]byte, size)
	if err := m.proc.ReadAt(buf, addr); err != nil {
		m.log.Warn().Err(err).Str("addr", hexAddr(addr)).Int("size", size).Msg("read faulted")
		return nil, wrapError(AccessViolation, addr, err)
	}
	return buf, nil
}

// WriteMemory writes p at addr. The protection of every region the range
// touches is raised to read-write-execute before the write and restored
// afterwards, whether or not the write succeeded.
func (m *Memory) WriteMemory(addr uintptr, p []byte) error {
	if m.closed {
		return ErrNotInitialized
	}
	if len(p) == 0 {
		return newError(InvalidArgument, addr, "empty write")
	}
	if addr+uintptr(len(p)) < addr {
		return newError(InvalidAddress, addr, "range wraps")
	}

	pieces, err := spans(m.proc, addr, uintptr(len(p)))
	if err != nil {
		return wrapError(InvalidAddress, addr, err)
	}
	for _, piece := range pieces {
		if !piece.Committed || piece.Prot&ProtGuard != 0 {
			return newError(InvalidAddress, piece.Base, "region is %s", describeRegion(piece))
		}
	}

	changed, err := m.raise(pieces, ProtRWX)
	if err != nil {
		return err
	}

	writeErr := m.proc.WriteAt(p, addr)
	if writeErr != nil {
		m.log.Warn().Err(writeErr).Str("addr", hexAddr(addr)).Int("size", len(p)).Msg("write faulted")
	}

	restoreErr := m.restore(changed)

	switch {
	case writeErr != nil && restoreErr != nil:
		return wrapError(AccessViolation, addr, errors.Join(writeErr, restoreErr))
	case writeErr != nil:
		return wrapError(AccessViolation, addr, writeErr)
	case restoreErr != nil:
		return restoreErr
	}

	m.log.Debug().Str("addr", hexAddr(addr)).Int("size", len(p)).Msg("wrote memory")
	return nil
}

// ProtectMemory changes the protection of [addr, addr+size) until
// UnprotectMemory is called with the same address or the Memory is closed.
// Changing the protection of a tracked range again keeps the original
// protection.
func (m *Memory) ProtectMemory(addr, size uintptr, prot Protection) error {
	if m.closed {
		return ErrNotInitialized
	}
	if size == 0 {
		return newError(InvalidArgument, addr, "empty range")
	}

	existing, tracked := m.protected[addr]
	if tracked && existing.Size != size {
		return newError(InvalidArgument, addr, "range is already tracked with size %#x", existing.Size)
	}

	pieces, err := spans(m.proc, addr, size)
	if err != nil {
		return wrapError(InvalidAddress, addr, err)
	}
	for _, piece := range pieces {
		if !piece.Committed {
			return newError(InvalidAddress, piece.Base, "region is not committed")
		}
	}

	changed, err := m.raise(pieces, prot)
	if err != nil {
		return err
	}
	if tracked {
		return nil
	}

	m.protected[addr] = &MemoryRegion{
		Address:  addr,
		Size:     size,
		Original: changed[0].Prot,
		spans:    changed,
	}
	m.log.Debug().Str("addr", hexAddr(addr)).Stringer("prot", prot).Msg("protected memory")
	return nil
}

// UnprotectMemory restores the protection saved by ProtectMemory at addr.
func (m *Memory) UnprotectMemory(addr uintptr) error {
	if m.closed {
		return ErrNotInitialized
	}
	r, ok := m.protected[addr]
	if !ok {
		return newError(InvalidAddress, addr, "no protection change is outstanding")
	}
	if err := m.restore(r.spans); err != nil {
		return err
	}
	delete(m.protected, addr)
	return nil
}

// ProtectedRegions returns the outstanding protection changes in address
// order.
func (m *Memory) ProtectedRegions() []MemoryRegion {
	out := make([]MemoryRegion, 0, len(m.protected))
	for _, r := range m.protected {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

// Close restores every outstanding protection change. Any later call fails
// with NotInitialized.
func (m *Memory) Close() error {
	if m.closed {
		return nil
	}

	var (
		failed []uintptr
		errs   []error
	)
	for _, r := range m.ProtectedRegions() {
		if err := m.restore(r.spans); err != nil {
			failed = append(failed, r.Address)
			errs = append(errs, err)
			continue
		}
		delete(m.protected, r.Address)
	}
	m.closed = true

	if len(errs) > 0 {
		return &Error{Kind: ProtectionRestoreFailed, Addrs: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// raise sets prot on every piece. It returns the pieces with their previous
// protection. On failure the pieces already changed are put back.
func (m *Memory) raise(pieces []Region, prot Protection) ([]Region, error) {
	changed := make([]Region, 0, len(pieces))
	for _, piece := range pieces {
		old, err := m.proc.Protect(piece.Base, piece.Size, prot)
		if err != nil {
			m.log.Warn().Err(err).Str("addr", hexAddr(piece.Base)).Stringer("prot", prot).Msg("protection change failed")
			perr := wrapError(ProtectionFailed, piece.Base, err)
			if rerr := m.restore(changed); rerr != nil {
				perr.Err = errors.Join(err, rerr)
			}
			return nil, perr
		}
		piece.Prot = old
		changed = append(changed, piece)
	}
	return changed, nil
}

// restore puts back the protection recorded in pieces, in reverse order.
// Every piece is attempted.
func (m *Memory) restore(pieces []Region) error {
	var (
		failed []uintptr
		errs   []error
	)
	for i := len(pieces) - 1; i >= 0; i-- {
		piece := pieces[i]
		if _, err := m.proc.Protect(piece.Base, piece.Size, piece.Prot); err != nil {
			m.log.Error().Err(err).Str("addr", hexAddr(piece.Base)).Stringer("prot", piece.Prot).Msg("protection restore failed")
			failed = append(failed, piece.Base)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(failed) == 1 {
		return wrapError(ProtectionRestoreFailed, failed[0], errs[0])
	}
	return &Error{Kind: ProtectionRestoreFailed, Addrs: failed, Err: errors.Join(errs...)}
}

func describeRegion(r Region) string {
	if !r.Committed {
		return "not committed"
	}
	return r.Prot.String()
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
