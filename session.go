package livepatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// Edit is a byte-level change to apply at Address.
type Edit struct {
	Address uintptr
	Bytes   []byte
}

// JumpEdit returns an edit that replaces n bytes at from with a jump to to
// and NOP padding. ptrSize is the target's pointer size.
func JumpEdit(from, to uintptr, n, ptrSize int) (Edit, error) {
	code, err := encodeJump(from, to, n, opcodeNOP, ptrSize)
	if err != nil {
		return Edit{}, wrapError(InvalidArgument, from, err)
	}
	return Edit{Address: from, Bytes: code}, nil
}

// NopEdit returns an edit that replaces n bytes at addr with NOPs.
func NopEdit(addr uintptr, n int) Edit {
	return Edit{Address: addr, Bytes: slices.Repeat([]byte{opcodeNOP}, n)}
}

// PatchRecord is an applied (or once applied) edit. Original is captured
// from the target right before the edit is written and never changes.
type PatchRecord struct {
	Address  uintptr
	New      []byte
	Original []byte
	Applied  bool
}

// Session is a group of edits that can be undone exactly.
type Session struct {
	mem     *Memory
	log     zerolog.Logger
	records []*PatchRecord
}

// NewSession returns an empty Session writing through mem.
func NewSession(mem *Memory, log zerolog.Logger) *Session {
	return &Session{mem: mem, log: log}
}

// PatchGame applies edits in order. If any edit fails, the edits already
// applied by this call are reverted in reverse order and the failure is
// returned, so the call either applies every edit or none.
func (s *Session) PatchGame(edits []Edit) error {
	if s.mem.closed {
		return ErrNotInitialized
	}
	for i, e := range edits {
		if len(e.Bytes) == 0 {
			return newError(InvalidArgument, e.Address, "edit %d is empty", i)
		}
	}

	applied := make([]*PatchRecord, 0, len(edits))
	for i, e := range edits {
		rec, err := s.apply(e)
		if rec != nil {
			applied = append(applied, rec)
		}
		if err != nil {
			s.log.Warn().Err(err).Int("edit", i).Str("addr", hexAddr(e.Address)).Msg("patch failed, rolling back")
			if rerr := s.revert(applied); rerr != nil {
				return errors.Join(fmt.Errorf("edit %d: %w", i, err), rerr)
			}
			return fmt.Errorf("edit %d: %w", i, err)
		}
	}

	s.records = append(s.records, applied...)
	s.log.Info().Int("edits", len(edits)).Msg("patches applied")
	return nil
}

// apply writes e. The record is returned whenever the bytes reached the
// target, including when the protection could not be put back afterwards.
func (s *Session) apply(e Edit) (*PatchRecord, error) {
	original, err := s.mem.ReadMemory(e.Address, len(e.Bytes))
	if err != nil {
		return nil, err
	}
	werr := s.mem.WriteMemory(e.Address, e.Bytes)
	if werr != nil && KindOf(werr) != ProtectionRestoreFailed {
		return nil, werr
	}
	if err := s.mem.proc.FlushCode(e.Address, uintptr(len(e.Bytes))); err != nil {
		s.log.Warn().Err(err).Str("addr", hexAddr(e.Address)).Msg("instruction cache flush failed")
	}
	return &PatchRecord{
		Address:  e.Address,
		New:      slices.Clone(e.Bytes),
		Original: original,
		Applied:  true,
	}, werr
}

// revert writes back the originals of records in reverse order. Records
// that fail stay applied.
func (s *Session) revert(records []*PatchRecord) error {
	var (
		failed   []uintptr
		errs     []error
		protErrs []error
	)
	for _, rec := range slices.Backward(records) {
		if !rec.Applied {
			continue
		}
		if err := s.mem.WriteMemory(rec.Address, rec.Original); err != nil {
			if KindOf(err) != ProtectionRestoreFailed {
				s.log.Error().Err(err).Str("addr", hexAddr(rec.Address)).Msg("restore failed")
				failed = append(failed, rec.Address)
				errs = append(errs, err)
				continue
			}
			// The original bytes are back, only the page protection is not.
			s.log.Warn().Err(err).Str("addr", hexAddr(rec.Address)).Msg("restored bytes but not protection")
			protErrs = append(protErrs, err)
		}
		if err := s.mem.proc.FlushCode(rec.Address, uintptr(len(rec.Original))); err != nil {
			s.log.Warn().Err(err).Str("addr", hexAddr(rec.Address)).Msg("instruction cache flush failed")
		}
		rec.Applied = false
	}
	if len(failed) == 0 {
		return errors.Join(protErrs...)
	}
	partial := &Error{Kind: PartialRestoreFailure, Addrs: failed, Err: errors.Join(errs...)}
	if len(protErrs) == 0 {
		return partial
	}
	return errors.Join(append([]error{partial}, protErrs...)...)
}

// RestoreGame reverts every applied record, newest first, so overlapping
// edits come back exactly. Records that cannot be restored stay applied and
// their addresses are listed in the PartialRestoreFailure error.
func (s *Session) RestoreGame() error {
	if s.mem.closed {
		return ErrNotInitialized
	}
	err := s.revert(s.records)
	s.records = slices.DeleteFunc(s.records, func(rec *PatchRecord) bool { return !rec.Applied })
	if err == nil {
		s.log.Info().Msg("patches restored")
	}
	return err
}

// Records returns a copy of the session's records in application order.
func (s *Session) Records() []PatchRecord {
	out := make([]PatchRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = PatchRecord{
			Address:  rec.Address,
			New:      slices.Clone(rec.New),
			Original: slices.Clone(rec.Original),
			Applied:  rec.Applied,
		}
	}
	return out
}

// Applied reports whether the session has edits in place.
func (s *Session) Applied() bool {
	return len(s.records) > 0
}
