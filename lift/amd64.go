package lift

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/regalia/ir"
)

// amd64Reg maps every general-purpose register alias to its 64-bit
// catalog name. Sub-register accesses count as traffic on the full
// register.
var amd64Reg = map[x86asm.Reg]string{
	x86asm.AL: "rax", x86asm.AX: "rax", x86asm.EAX: "rax", x86asm.RAX: "rax", x86asm.AH: "rax",
	x86asm.BL: "rbx", x86asm.BX: "rbx", x86asm.EBX: "rbx", x86asm.RBX: "rbx", x86asm.BH: "rbx",
	x86asm.CL: "rcx", x86asm.CX: "rcx", x86asm.ECX: "rcx", x86asm.RCX: "rcx", x86asm.CH: "rcx",
	x86asm.DL: "rdx", x86asm.DX: "rdx", x86asm.EDX: "rdx", x86asm.RDX: "rdx", x86asm.DH: "rdx",
	x86asm.SIB: "rsi", x86asm.SI: "rsi", x86asm.ESI: "rsi", x86asm.RSI: "rsi",
	x86asm.DIB: "rdi", x86asm.DI: "rdi", x86asm.EDI: "rdi", x86asm.RDI: "rdi",
	x86asm.BPB: "rbp", x86asm.BP: "rbp", x86asm.EBP: "rbp", x86asm.RBP: "rbp",
	x86asm.SPB: "rsp", x86asm.SP: "rsp", x86asm.ESP: "rsp", x86asm.RSP: "rsp",
	x86asm.R8B: "r8", x86asm.R8W: "r8", x86asm.R8L: "r8", x86asm.R8: "r8",
	x86asm.R9B: "r9", x86asm.R9W: "r9", x86asm.R9L: "r9", x86asm.R9: "r9",
	x86asm.R10B: "r10", x86asm.R10W: "r10", x86asm.R10L: "r10", x86asm.R10: "r10",
	x86asm.R11B: "r11", x86asm.R11W: "r11", x86asm.R11L: "r11", x86asm.R11: "r11",
	x86asm.R12B: "r12", x86asm.R12W: "r12", x86asm.R12L: "r12", x86asm.R12: "r12",
	x86asm.R13B: "r13", x86asm.R13W: "r13", x86asm.R13L: "r13", x86asm.R13: "r13",
	x86asm.R14B: "r14", x86asm.R14W: "r14", x86asm.R14L: "r14", x86asm.R14: "r14",
	x86asm.R15B: "r15", x86asm.R15W: "r15", x86asm.R15L: "r15", x86asm.R15: "r15",
	x86asm.RIP: "rip",
}

// amd64CondJumps is the set of conditional branch opcodes. x86asm uses
// distinct Op values for conditional jumps, so JMP is always
// unconditional.
var amd64CondJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
	x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// amd64RMW is the set of read-modify-write arithmetic opcodes: the
// destination operand is both read and written.
var amd64RMW = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.SUB: true, x86asm.AND: true, x86asm.OR: true,
	x86asm.XOR: true, x86asm.ADC: true, x86asm.SBB: true, x86asm.IMUL: true,
	x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true, x86asm.ROL: true,
	x86asm.ROR: true, x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true,
	x86asm.NOT: true,
}

func decodeAMD64(code []byte, baseAddr uint64) []rawInsn {
	arch := ir.AMD64()
	var result []rawInsn

	offset := 0
	addr := baseAddr
	var prev *rawInsn
	var prevInst *x86asm.Inst

	for offset < len(code) {
		// Skip ENDBR64 (f3 0f 1e fa) and ENDBR32 (f3 0f 1e fb) which
		// golang.org/x/arch/x86/x86asm does not recognise. These CET
		// instructions appear at function entries on binaries compiled
		// with -fcf-protection and have no register effects.
		if offset+4 <= len(code) &&
			code[offset] == 0xf3 && code[offset+1] == 0x0f &&
			code[offset+2] == 0x1e && (code[offset+3] == 0xfa || code[offset+3] == 0xfb) {
			result = append(result, rawInsn{addr: addr, size: 4, kind: ir.InsnNormal})
			prev, prevInst = &result[len(result)-1], nil
			offset += 4
			addr += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			result = append(result, rawInsn{addr: addr, size: 1, kind: ir.InsnOpaque})
			prev, prevInst = nil, nil
			offset++
			addr++
			continue
		}

		in := liftInsnAMD64(arch, inst, addr)

		// Prologue patterns: classic frame setup marks the push,
		// frameless and push-only setups mark the instruction itself
		// when it sits at a function boundary.
		atBoundary := prevInst == nil || prevInst.Op == x86asm.RET
		switch {
		case prevInst != nil && prevInst.Op == x86asm.PUSH && prevInst.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
			prev.prologue = true
		case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP && atBoundary:
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
				in.prologue = true
			}
		case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP && atBoundary:
			in.prologue = true
		}

		result = append(result, in)
		prev, prevInst = &result[len(result)-1], &inst
		offset += inst.Len
		addr += uint64(inst.Len)
	}
	return result
}

// liftInsnAMD64 lifts one decoded instruction to its register effects
// and control-flow classification.
func liftInsnAMD64(arch ir.Arch, inst x86asm.Inst, addr uint64) rawInsn {
	in := rawInsn{addr: addr, size: inst.Len, kind: ir.InsnNormal}

	reg := func(a x86asm.Arg) (ir.Register, bool) {
		r, ok := a.(x86asm.Reg)
		if !ok {
			return ir.Register{}, false
		}
		name, ok := amd64Reg[r]
		if !ok {
			return ir.Register{}, false
		}
		rr, err := arch.Lookup(name)
		return rr, err == nil
	}
	memRegs := func(m x86asm.Mem) []ir.Register {
		var regs []ir.Register
		if r, ok := amd64Reg[m.Base]; ok && m.Base != x86asm.RIP {
			if rr, err := arch.Lookup(r); err == nil {
				regs = append(regs, rr)
			}
		}
		if r, ok := amd64Reg[m.Index]; ok {
			if rr, err := arch.Lookup(r); err == nil {
				regs = append(regs, rr)
			}
		}
		return regs
	}
	readArg := func(a x86asm.Arg) {
		switch arg := a.(type) {
		case x86asm.Reg:
			if r, ok := reg(arg); ok {
				in.reads = append(in.reads, r)
			}
		case x86asm.Mem:
			in.reads = append(in.reads, memRegs(arg)...)
		}
	}

	switch {
	case inst.Op == x86asm.CALL:
		in.flow = flowCall
		in.target, in.targetOK = branchTargetAMD64(inst, addr)
		if !in.targetOK {
			readArg(inst.Args[0])
		}
		return in

	case inst.Op == x86asm.JMP:
		in.flow = flowJump
		in.target, in.targetOK = branchTargetAMD64(inst, addr)
		if !in.targetOK {
			readArg(inst.Args[0])
		}
		return in

	case amd64CondJumps[inst.Op]:
		in.flow = flowCondJump
		in.target, in.targetOK = branchTargetAMD64(inst, addr)
		return in

	case inst.Op == x86asm.RET:
		in.flow = flowRet
		return in
	}

	sp := arch.SP
	switch inst.Op {
	case x86asm.NOP:

	case x86asm.PUSH:
		in.spDelta = -8
		if r, ok := reg(inst.Args[0]); ok {
			in.reads = append(in.reads, r)
			in.pushed, in.hasPP = r, true
		}

	case x86asm.POP:
		in.spDelta = 8
		if r, ok := reg(inst.Args[0]); ok {
			in.writes = append(in.writes, r)
			in.popped, in.hasPP = r, true
		}

	case x86asm.LEAVE:
		// mov rsp, rbp; pop rbp. The stack pointer is reloaded from the
		// frame pointer, so the net displacement depends on how far the
		// frame had moved it and cannot be expressed as a constant.
		in.spDelta = ir.SPDeltaUnknown
		if rbp, err := arch.Lookup("rbp"); err == nil {
			in.reads = append(in.reads, rbp)
			in.writes = append(in.writes, rbp)
		}

	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		if r, ok := reg(inst.Args[0]); ok {
			in.writes = append(in.writes, r)
		} else if m, ok := inst.Args[0].(x86asm.Mem); ok {
			in.reads = append(in.reads, memRegs(m)...)
		}
		readArg(inst.Args[1])

	case x86asm.LEA:
		if r, ok := reg(inst.Args[0]); ok {
			in.writes = append(in.writes, r)
		}
		if m, ok := inst.Args[1].(x86asm.Mem); ok {
			in.reads = append(in.reads, memRegs(m)...)
		}

	case x86asm.CMP, x86asm.TEST:
		readArg(inst.Args[0])
		readArg(inst.Args[1])

	case x86asm.XOR:
		// Zeroing idiom: xor r, r defines r without reading it.
		if r0, ok0 := reg(inst.Args[0]); ok0 {
			if r1, ok1 := reg(inst.Args[1]); ok1 && r0 == r1 {
				in.writes = append(in.writes, r0)
				break
			}
		}
		fallthrough

	default:
		if !amd64RMW[inst.Op] {
			in.kind = ir.InsnOpaque
			break
		}
		if r, ok := reg(inst.Args[0]); ok {
			// Stack adjustments move the stack pointer; everything
			// else is an ordinary read-modify-write.
			if r == sp && (inst.Op == x86asm.SUB || inst.Op == x86asm.ADD) {
				if imm, ok := inst.Args[1].(x86asm.Imm); ok {
					if inst.Op == x86asm.SUB {
						in.spDelta = -int64(imm)
					} else {
						in.spDelta = int64(imm)
					}
				}
			}
			in.reads = append(in.reads, r)
			in.writes = append(in.writes, r)
		} else if m, ok := inst.Args[0].(x86asm.Mem); ok {
			in.reads = append(in.reads, memRegs(m)...)
		}
		if len(inst.Args) > 1 && inst.Args[1] != nil {
			readArg(inst.Args[1])
		}
	}
	return in
}

// branchTargetAMD64 resolves the target of a CALL or jump instruction.
// PC-relative and absolute targets resolve statically; register and
// memory indirections do not.
func branchTargetAMD64(inst x86asm.Inst, addr uint64) (uint64, bool) {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		return addr + uint64(inst.Len) + uint64(int64(arg)), true
	case x86asm.Mem:
		// A direct absolute form carries the target in the
		// displacement. Anything with a base or index register loads
		// the target from memory at run time and stays unresolved.
		if arg.Base == 0 && arg.Index == 0 {
			return uint64(arg.Disp), true
		}
		return 0, false
	default:
		return 0, false
	}
}
