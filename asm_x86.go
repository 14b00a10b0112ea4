package livepatch

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest valid x86 instruction.
const maxInstLen = 15

// checkStolen verifies that the first n bytes of code, which executes at
// addr, can run from another address unchanged. They must end on an
// instruction boundary and contain no relative branch or RIP-relative
// operand.
func checkStolen(code []byte, addr uintptr, n int, mode int) error {
	if len(code) < n {
		return fmt.Errorf("have %d bytes, need %d", len(code), n)
	}

	for i := 0; i < n; {
		inst, err := decode(code[i:], mode)
		if err != nil {
			return fmt.Errorf("decode error at %#x: %w", addr+uintptr(i), err)
		}
		if i+inst.Len > n {
			return fmt.Errorf("instruction at %#x (%s) crosses the end of the %d byte patch", addr+uintptr(i), inst, n)
		}
		for _, arg := range inst.Args {
			switch a := arg.(type) {
			case x86asm.Rel:
				return fmt.Errorf("relative branch at %#x (%s) cannot be moved", addr+uintptr(i), inst)
			case x86asm.Mem:
				if a.Base == x86asm.RIP {
					return fmt.Errorf("RIP-relative operand at %#x (%s) cannot be moved", addr+uintptr(i), inst)
				}
			}
		}
		i += inst.Len
	}
	return nil
}

// disassemble renders code, which executes at addr, one instruction per
// line. Undecodable bytes end the listing.
func disassemble(code []byte, addr uintptr, mode int) string {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		inst, err := decode(code[i:], mode)
		if err != nil {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t(bad)\n", addr+uintptr(i), hex.EncodeToString(code[i:]))
			break
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", addr+uintptr(i), hex.EncodeToString(code[i:i+inst.Len]), inst.String())
		i += inst.Len
	}

	return buf.String()
}

// decode is x86asm.Decode, except that input x86asm can only render as a
// bare prefix (a cut off or unknown instruction) is an error.
func decode(code []byte, mode int) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return inst, err
	}
	if inst.Op == 0 {
		return inst, fmt.Errorf("% x: %w", code[:min(len(code), maxInstLen)], x86asm.ErrTruncated)
	}
	return inst, nil
}
