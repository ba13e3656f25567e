package disasm

import (
	"bytes"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

func x86Boundary(code []byte) (int, bool, error) {
	// Farthest forward branch target seen so far. A terminator before it
	// cannot end the function.
	var reach int
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return 0, false, fmt.Errorf("decode at %#x: %w", off, err)
		}
		next := off + inst.Len
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			if t := next + int(rel); t > next && t < len(code) && t > reach {
				reach = t
			}
		}
		if x86Terminator(inst) && reach <= next {
			if next == len(code) || x86Padding(code[next:]) || x86Prologue(code[next:]) {
				return next, true, nil
			}
		}
		off = next
	}
	return 0, false, nil
}

func x86Terminator(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.UD2:
		return true
	}
	return false
}

func x86Padding(b []byte) bool {
	switch b[0] {
	case 0xcc, 0x00:
		return true
	}
	inst, err := x86asm.Decode(b, 64)
	return err == nil && inst.Op == x86asm.NOP
}

func x86Prologue(b []byte) bool {
	return b[0] == 0x55 || bytes.HasPrefix(b, endbr64)
}
