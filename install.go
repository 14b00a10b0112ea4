package livepatch

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Site is a hook installation request.
type Site struct {
	Address  uintptr
	Target   uintptr
	Strategy Strategy

	// Original holds the bytes the installation will overwrite.
	Original []byte
}

// Redirect is what an installer leaves behind for a hook.
type Redirect struct {
	// Original is the entry point of the original behavior: a trampoline
	// stub or the previous slot pointer. It is zero for DirectJump.
	Original uintptr

	// Stub is executable memory owned by the redirect, if any.
	Stub     uintptr
	StubSize int
}

// Installer writes the redirection for a hook. Install runs inside a
// transaction, so a failed Install leaves no modified bytes behind as long
// as it only writes through tx. Release frees what Install allocated; the
// original bytes have already been written back when it is called.
type Installer interface {
	Install(tx *Tx, site Site) (Redirect, error)
	Release(tx *Tx, r Redirect) error
}

// PatchInstaller is the default Installer for x86 targets. It supports every
// StrategyKind.
type PatchInstaller struct {
	Log zerolog.Logger
}

func (pi PatchInstaller) Install(tx *Tx, site Site) (Redirect, error) {
	ptrSize := tx.PointerSize()
	n := site.Strategy.patchLen(ptrSize)
	if len(site.Original) != n {
		return Redirect{}, fmt.Errorf("have %d original bytes, need %d", len(site.Original), n)
	}

	if e := pi.Log.Trace(); e.Enabled() {
		e.Str("addr", hexAddr(site.Address)).Msg("hook site:\n" + disassemble(site.Original, site.Address, ptrSize*8))
	}

	switch site.Strategy.Kind {
	case DirectJump:
		code, err := encodeJump(site.Address, site.Target, n, opcodeNOP, ptrSize)
		if err != nil {
			return Redirect{}, err
		}
		return Redirect{}, tx.Write(site.Address, code)

	case Trampoline:
		return pi.installTrampoline(tx, site, n, ptrSize)

	case ImportSlot, VTableSlot:
		prev := readPointer(site.Original, ptrSize)
		if err := tx.Write(site.Address, putPointer(site.Target, ptrSize)); err != nil {
			return Redirect{}, err
		}
		return Redirect{Original: prev}, nil
	}

	return Redirect{}, fmt.Errorf("unsupported strategy %s", site.Strategy)
}

// installTrampoline copies the stolen instructions to a stub followed by a
// jump back to the rest of the original code, then jumps from the site to
// the target.
func (pi PatchInstaller) installTrampoline(tx *Tx, site Site, n, ptrSize int) (Redirect, error) {
	if err := checkStolen(readAhead(tx, site), site.Address, n, ptrSize*8); err != nil {
		return Redirect{}, err
	}

	stubSize := n + jumpSize
	stub, err := tx.AllocExec(stubSize)
	if err != nil {
		return Redirect{}, fmt.Errorf("allocating trampoline: %w", err)
	}

	back, err := encodeJump(stub+uintptr(n), site.Address+uintptr(n), jumpSize, opcodeINT3, ptrSize)
	if err != nil {
		return Redirect{}, fmt.Errorf("trampoline at %#x: %w", stub, err)
	}
	code := make([]byte, 0, stubSize)
	code = append(code, site.Original...)
	code = append(code, back...)
	if err := tx.Write(stub, code); err != nil {
		return Redirect{}, fmt.Errorf("writing trampoline: %w", err)
	}

	jump, err := encodeJump(site.Address, site.Target, n, opcodeNOP, ptrSize)
	if err != nil {
		return Redirect{}, err
	}
	if err := tx.Write(site.Address, jump); err != nil {
		return Redirect{}, err
	}

	pi.Log.Debug().Str("addr", hexAddr(site.Address)).Str("stub", hexAddr(stub)).Msg("trampoline installed")
	return Redirect{Original: stub, Stub: stub, StubSize: stubSize}, nil
}

// readAhead returns the site's original bytes followed by as many of the
// following bytes, up to the longest x86 instruction, as can be read.
func readAhead(tx *Tx, site Site) []byte {
	n := len(site.Original)
	for extra := maxInstLen; extra > 0; extra-- {
		if code, err := tx.Read(site.Address, n+extra); err == nil {
			return code
		}
	}
	return site.Original
}

func (pi PatchInstaller) Release(tx *Tx, r Redirect) error {
	if r.Stub == 0 {
		return nil
	}
	return tx.FreeExec(r.Stub, r.StubSize)
}
