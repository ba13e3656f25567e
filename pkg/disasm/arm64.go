package disasm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	arm64Nop     = 0xd503201f
	arm64Paciasp = 0xd503233f

	arm64BrkMask     = 0xffe0001f
	arm64Brk         = 0xd4200000
	arm64BtiMask     = 0xffffff3f
	arm64Bti         = 0xd503241f
	arm64StpFPLRMask = 0xffc07fff
	arm64StpFPLR     = 0xa9807bfd // stp x29, x30, [sp, #imm]!
	arm64SubSPMask   = 0xff0003ff
	arm64SubSP       = 0xd10003ff // sub sp, sp, #imm
)

func arm64Boundary(code []byte) (int, bool, error) {
	var reach int
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off:])
		if err != nil {
			return 0, false, fmt.Errorf("decode at %#x: %w", off, err)
		}
		next := off + 4
		for _, a := range inst.Args {
			if a == nil {
				break
			}
			if rel, ok := a.(arm64asm.PCRel); ok {
				if t := off + int(rel); t > next && t < len(code) && t > reach {
					reach = t
				}
			}
		}
		if arm64Terminator(inst) && reach <= next {
			rest := code[next:]
			if len(rest) < 4 || arm64Padding(rest) || arm64Prologue(rest) {
				return next, true, nil
			}
		}
	}
	return 0, false, nil
}

func arm64Terminator(inst arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.RET, arm64asm.BR:
		return true
	case arm64asm.B:
		_, conditional := inst.Args[0].(arm64asm.Cond)
		return !conditional
	}
	return false
}

func arm64Padding(b []byte) bool {
	w := binary.LittleEndian.Uint32(b)
	return w == 0 || w == arm64Nop || w&arm64BrkMask == arm64Brk
}

func arm64Prologue(b []byte) bool {
	w := binary.LittleEndian.Uint32(b)
	return w == arm64Paciasp ||
		w&arm64BtiMask == arm64Bti ||
		w&arm64StpFPLRMask == arm64StpFPLR ||
		w&arm64SubSPMask == arm64SubSP
}
