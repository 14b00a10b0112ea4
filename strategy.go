package livepatch

import "fmt"

// StrategyKind selects how a hook redirects control flow.
type StrategyKind uint8

const (
	// DirectJump overwrites the hooked code with a relative jump to the
	// target. The original code is not reachable while the hook is active.
	DirectJump StrategyKind = iota + 1

	// Trampoline moves the overwritten instructions to an executable stub
	// that jumps back after them, so the target can call the original.
	Trampoline

	// ImportSlot replaces a pointer in an import address table.
	ImportSlot

	// VTableSlot replaces a pointer in a virtual method table.
	VTableSlot
)

func (k StrategyKind) String() string {
	switch k {
	case DirectJump:
		return "direct jump"
	case Trampoline:
		return "trampoline"
	case ImportSlot:
		return "import slot"
	case VTableSlot:
		return "vtable slot"
	}
	return fmt.Sprintf("strategy(%d)", k)
}

// Strategy describes a hook installation. PatchLen is the number of bytes
// overwritten at the hooked address. For the slot kinds it is left zero and
// taken from the target's pointer size.
type Strategy struct {
	Kind     StrategyKind
	PatchLen int
}

// JumpStrategy overwrites n bytes with a jump and NOP padding.
func JumpStrategy(n int) Strategy {
	return Strategy{Kind: DirectJump, PatchLen: n}
}

// TrampolineStrategy moves n bytes of whole instructions to a stub and
// overwrites them with a jump. The instructions must not be position
// dependent.
func TrampolineStrategy(n int) Strategy {
	return Strategy{Kind: Trampoline, PatchLen: n}
}

// ImportSlotStrategy swaps the pointer stored at an import table entry.
func ImportSlotStrategy() Strategy {
	return Strategy{Kind: ImportSlot}
}

// VTableSlotStrategy swaps the pointer stored at a vtable entry.
func VTableSlotStrategy() Strategy {
	return Strategy{Kind: VTableSlot}
}

func (s Strategy) String() string {
	if s.PatchLen == 0 {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s/%d", s.Kind, s.PatchLen)
}

// patchLen returns the number of bytes the strategy overwrites in a target
// with the given pointer size.
func (s Strategy) patchLen(ptrSize int) int {
	switch s.Kind {
	case ImportSlot, VTableSlot:
		return ptrSize
	}
	return s.PatchLen
}

func (s Strategy) validate() error {
	switch s.Kind {
	case DirectJump, Trampoline:
		if s.PatchLen < jumpSize {
			return fmt.Errorf("%s needs at least %d bytes, got %d", s.Kind, jumpSize, s.PatchLen)
		}
	case ImportSlot, VTableSlot:
		if s.PatchLen != 0 {
			return fmt.Errorf("%s patch length is the pointer size", s.Kind)
		}
	default:
		return fmt.Errorf("unknown %s", s.Kind)
	}
	return nil
}
