package livepatch

import (
	"errors"
	"fmt"
)

type undoWrite struct {
	addr     uintptr
	original []byte
}

type execAlloc struct {
	addr uintptr
	size int
}

// Tx is a set of edits made while the target's other threads are suspended.
// It is only valid inside the function passed to Memory.Transact.
type Tx struct {
	mem    *Memory
	writes []undoWrite
	allocs []execAlloc
	done   bool
}

// Transact suspends the target, runs fn and resumes the target. If fn
// returns an error every write made through tx is undone in reverse order
// and every stub it allocated is freed. After a successful fn the written
// ranges are flushed from the instruction cache before the target resumes.
//
// If the undo itself fails the returned error has kind
// PartialRestoreFailure and lists the addresses that could not be restored.
func (m *Memory) Transact(fn func(tx *Tx) error) (err error) {
	if m.closed {
		return ErrNotInitialized
	}

	resume, err := m.proc.Suspend()
	if err != nil {
		return fmt.Errorf("suspending target: %w", err)
	}
	defer func() {
		if rerr := resume(); rerr != nil {
			m.log.Error().Err(rerr).Msg("resume failed")
			err = errors.Join(err, fmt.Errorf("resuming target: %w", rerr))
		}
	}()

	tx := &Tx{mem: m}
	defer func() { tx.done = true }()

	if err := fn(tx); err != nil {
		return tx.rollback(err)
	}
	return tx.flush()
}

// Read reads target memory.
func (tx *Tx) Read(addr uintptr, size int) ([]byte, error) {
	if tx.done {
		return nil, errors.New("transaction is finished")
	}
	return tx.mem.ReadMemory(addr, size)
}

// Write writes p at addr and records the previous bytes so the write can be
// undone. A write whose bytes landed but whose protection could not be put
// back is still recorded.
func (tx *Tx) Write(addr uintptr, p []byte) error {
	if tx.done {
		return errors.New("transaction is finished")
	}
	original, err := tx.mem.ReadMemory(addr, len(p))
	if err != nil {
		return err
	}
	err = tx.mem.WriteMemory(addr, p)
	if err == nil || KindOf(err) == ProtectionRestoreFailed {
		tx.writes = append(tx.writes, undoWrite{addr: addr, original: original})
	}
	return err
}

// AllocExec allocates executable memory in the target. The allocation is
// freed if the transaction fails.
func (tx *Tx) AllocExec(size int) (uintptr, error) {
	if tx.done {
		return 0, errors.New("transaction is finished")
	}
	alloc, ok := tx.mem.proc.(ExecAllocator)
	if !ok {
		return 0, fmt.Errorf("%T cannot allocate executable memory", tx.mem.proc)
	}
	addr, err := alloc.AllocExec(size)
	if err != nil {
		return 0, err
	}
	tx.allocs = append(tx.allocs, execAlloc{addr: addr, size: size})
	return addr, nil
}

// FreeExec frees memory from AllocExec, in this or an earlier transaction.
func (tx *Tx) FreeExec(addr uintptr, size int) error {
	alloc, ok := tx.mem.proc.(ExecAllocator)
	if !ok {
		return fmt.Errorf("%T cannot allocate executable memory", tx.mem.proc)
	}
	return alloc.FreeExec(addr, size)
}

// PointerSize is the pointer width of the target.
func (tx *Tx) PointerSize() int {
	return tx.mem.proc.PointerSize()
}

func (tx *Tx) rollback(cause error) error {
	var (
		failed []uintptr
		errs   []error
	)
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if err := tx.mem.WriteMemory(w.addr, w.original); err != nil {
			if KindOf(err) != ProtectionRestoreFailed {
				failed = append(failed, w.addr)
			}
			errs = append(errs, err)
		}
	}
	for i := len(tx.allocs) - 1; i >= 0; i-- {
		a := tx.allocs[i]
		if err := tx.FreeExec(a.addr, a.size); err != nil {
			tx.mem.log.Warn().Err(err).Str("addr", hexAddr(a.addr)).Msg("freeing stub failed")
		}
	}

	// Rolled back writes still need to reach the instruction cache.
	if ferr := tx.flush(); ferr != nil {
		errs = append(errs, ferr)
	}

	if len(failed) == 0 {
		if len(errs) > 0 {
			return errors.Join(append([]error{cause}, errs...)...)
		}
		return cause
	}

	tx.mem.log.Error().Err(cause).Int("failed", len(failed)).Msg("rollback incomplete")
	return &Error{
		Kind:  PartialRestoreFailure,
		Addrs: failed,
		Err:   errors.Join(append([]error{cause}, errs...)...),
	}
}

func (tx *Tx) flush() error {
	var errs []error
	for _, w := range tx.writes {
		if err := tx.mem.proc.FlushCode(w.addr, uintptr(len(w.original))); err != nil {
			errs = append(errs, fmt.Errorf("flushing %#x: %w", w.addr, err))
		}
	}
	return errors.Join(errs...)
}
