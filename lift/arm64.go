package lift

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/maxgio92/regalia/ir"
)

// arm64RegName maps an arm64asm register to its catalog name. W views
// count as traffic on the full X register; the zero registers have no
// storage and map to nothing.
func arm64RegName(r arm64asm.Reg) (string, bool) {
	switch {
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return fmt.Sprintf("x%d", int(r-arm64asm.X0)), true
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return fmt.Sprintf("x%d", int(r-arm64asm.W0)), true
	case r == arm64asm.SP, r == arm64asm.WSP:
		return "sp", true
	default:
		return "", false
	}
}

func decodeARM64(code []byte, baseAddr uint64) []rawInsn {
	arch := ir.ARM64()
	var result []rawInsn

	const insnLen = 4
	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		addr := baseAddr + uint64(offset)
		word := binary.LittleEndian.Uint32(code[offset:])

		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			result = append(result, rawInsn{addr: addr, size: insnLen, kind: ir.InsnOpaque})
			continue
		}

		in := liftInsnARM64(arch, inst, word, addr)

		// Prologue patterns: STP frame-pair save with pre-index
		// writeback, or a frameless sub sp at a function boundary.
		switch {
		case word&0xffc00000 == 0xa9800000:
			in.prologue = true
		case word&0xff8003ff == 0xd10003ff:
			prevRet := len(result) == 0 || result[len(result)-1].flow == flowRet
			if prevRet {
				in.prologue = true
			}
		}

		result = append(result, in)
	}
	return result
}

// liftInsnARM64 lifts one decoded instruction. The raw word is needed
// for stack-pointer immediates that the decoder does not expose.
func liftInsnARM64(arch ir.Arch, inst arm64asm.Inst, word uint32, addr uint64) rawInsn {
	in := rawInsn{addr: addr, size: 4, kind: ir.InsnNormal}

	reg := func(a arm64asm.Arg) (ir.Register, bool) {
		var name string
		var ok bool
		switch r := a.(type) {
		case arm64asm.Reg:
			name, ok = arm64RegName(r)
		case arm64asm.RegSP:
			name, ok = arm64RegName(arm64asm.Reg(r))
			if arm64asm.Reg(r) == arm64asm.XZR || arm64asm.Reg(r) == arm64asm.WZR {
				name, ok = "sp", true
			}
		case arm64asm.MemImmediate:
			name, ok = arm64RegName(arm64asm.Reg(r.Base))
			if arm64asm.Reg(r.Base) == arm64asm.XZR {
				name, ok = "sp", true
			}
		default:
			return ir.Register{}, false
		}
		if !ok {
			return ir.Register{}, false
		}
		rr, err := arch.Lookup(name)
		return rr, err == nil
	}
	read := func(a arm64asm.Arg) {
		if r, ok := reg(a); ok {
			in.reads = append(in.reads, r)
		}
	}
	write := func(a arm64asm.Arg) {
		if r, ok := reg(a); ok {
			in.writes = append(in.writes, r)
		}
	}
	pcRelTarget := func() (uint64, bool) {
		for _, a := range inst.Args {
			if rel, ok := a.(arm64asm.PCRel); ok {
				return addr + uint64(int64(rel)), true
			}
		}
		return 0, false
	}
	conditional := func() bool {
		for _, a := range inst.Args {
			if _, ok := a.(arm64asm.Cond); ok {
				return true
			}
		}
		return false
	}

	switch inst.Op {
	case arm64asm.BL:
		in.flow = flowCall
		in.target, in.targetOK = pcRelTarget()

	case arm64asm.B:
		if conditional() {
			in.flow = flowCondJump
		} else {
			in.flow = flowJump
		}
		in.target, in.targetOK = pcRelTarget()

	case arm64asm.BLR:
		in.flow = flowCall
		read(inst.Args[0])

	case arm64asm.BR:
		in.flow = flowJump
		read(inst.Args[0])

	case arm64asm.RET:
		in.flow = flowRet

	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		in.flow = flowCondJump
		read(inst.Args[0])
		in.target, in.targetOK = pcRelTarget()

	case arm64asm.NOP:

	case arm64asm.STP:
		read(inst.Args[0])
		read(inst.Args[1])
		read(inst.Args[2])
		base, baseOK := reg(inst.Args[2])
		onStack := baseOK && base == arch.SP
		// Only stack- and frame-based pair stores are register saves; a
		// store through an arbitrary base consumes its sources.
		frame := baseOK && (base == arch.SP || base.Name == "x29")
		switch {
		case word&0xffc00000 == 0xa9800000: // pre-index writeback
			if onStack {
				in.spDelta = int64(signedImm7(word)) * 8
			} else if baseOK {
				in.writes = append(in.writes, base)
			}
			if frame {
				in.kind = ir.InsnSave
			}
		case word&0xffc00000 == 0xa9000000: // signed offset
			if frame {
				in.kind = ir.InsnSave
			}
		}

	case arm64asm.LDP:
		write(inst.Args[0])
		write(inst.Args[1])
		read(inst.Args[2])
		base, baseOK := reg(inst.Args[2])
		onStack := baseOK && base == arch.SP
		frame := baseOK && (base == arch.SP || base.Name == "x29")
		switch {
		case word&0xffc00000 == 0xa8c00000: // post-index writeback
			if onStack {
				in.spDelta = int64(signedImm7(word)) * 8
			} else if baseOK {
				in.writes = append(in.writes, base)
			}
			if frame {
				in.kind = ir.InsnRestore
			}
		case word&0xffc00000 == 0xa9400000: // signed offset
			if frame {
				in.kind = ir.InsnRestore
			}
		}

	case arm64asm.MOV:
		write(inst.Args[0])
		read(inst.Args[1])

	case arm64asm.MOVZ, arm64asm.MOVN:
		write(inst.Args[0])

	case arm64asm.MOVK:
		write(inst.Args[0])
		read(inst.Args[0])

	case arm64asm.LDR, arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDUR:
		write(inst.Args[0])
		read(inst.Args[1])

	case arm64asm.STR, arm64asm.STRB, arm64asm.STRH, arm64asm.STUR:
		read(inst.Args[0])
		read(inst.Args[1])

	case arm64asm.CMP, arm64asm.CMN, arm64asm.TST:
		read(inst.Args[0])
		read(inst.Args[1])

	case arm64asm.ADD, arm64asm.SUB:
		switch {
		case word&0xff8003ff == 0xd10003ff: // sub sp, sp, #imm
			in.spDelta = -int64(imm12(word))
			read(inst.Args[1])
			write(inst.Args[0])
		case word&0xff8003ff == 0x910003ff: // add sp, sp, #imm
			in.spDelta = int64(imm12(word))
			read(inst.Args[1])
			write(inst.Args[0])
		default:
			write(inst.Args[0])
			for _, a := range inst.Args[1:] {
				read(a)
			}
		}

	case arm64asm.ADDS, arm64asm.SUBS, arm64asm.AND, arm64asm.ORR,
		arm64asm.EOR, arm64asm.MUL, arm64asm.MADD, arm64asm.LSL,
		arm64asm.LSR, arm64asm.ASR, arm64asm.SDIV, arm64asm.UDIV:
		write(inst.Args[0])
		for _, a := range inst.Args[1:] {
			read(a)
		}

	default:
		in.kind = ir.InsnOpaque
	}
	return in
}

// signedImm7 extracts the 7-bit signed pair-offset immediate.
func signedImm7(word uint32) int32 {
	imm := int32(word>>15) & 0x7f
	if imm&0x40 != 0 {
		imm |= ^int32(0x7f)
	}
	return imm
}

// imm12 extracts the 12-bit add/sub immediate, applying the optional
// 12-bit shift.
func imm12(word uint32) uint32 {
	imm := (word >> 10) & 0xfff
	if word>>22&1 == 1 {
		imm <<= 12
	}
	return imm
}
