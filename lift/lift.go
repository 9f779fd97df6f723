// Package lift disassembles raw machine code and lifts it into the
// analyzable intermediate representation: instructions become register
// effect summaries, control flow becomes classified edges, and function
// entry points are discovered by combining prologue patterns with call
// and tail-jump targets.
//
// The lifter is deliberately conservative. An instruction whose
// register effects it cannot model becomes an opaque barrier rather
// than a guess, so downstream analyses degrade to Maybe instead of
// producing wrong classifications.
package lift

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/maxgio92/regalia/ir"
)

// CPU selects the architecture-specific lifting logic.
type CPU string

// Supported CPUs.
const (
	CPUAMD64 CPU = "amd64"
	CPUARM64 CPU = "arm64"
)

// Lift disassembles code and lifts it into an ir.Program. baseAddr is
// the virtual address corresponding to the start of code. This function
// performs no I/O and works with any binary format.
func Lift(code []byte, baseAddr uint64, cpu CPU) (*ir.Program, error) {
	switch cpu {
	case CPUAMD64:
		insns := decodeAMD64(code, baseAddr)
		return build(ir.AMD64(), insns, baseAddr, baseAddr+uint64(len(code))), nil
	case CPUARM64:
		insns := decodeARM64(code, baseAddr)
		return build(ir.ARM64(), insns, baseAddr, baseAddr+uint64(len(code))), nil
	default:
		return nil, fmt.Errorf("unsupported CPU: %s", cpu)
	}
}

// flowKind classifies an instruction's control-flow effect.
type flowKind uint8

const (
	flowNone flowKind = iota
	flowCall
	flowJump
	flowCondJump
	flowRet
)

// rawInsn is one decoded instruction with its lifted register effects.
type rawInsn struct {
	addr     uint64
	size     int
	kind     ir.InsnKind
	reads    []ir.Register
	writes   []ir.Register
	spDelta  int64
	flow     flowKind
	target   uint64
	targetOK bool
	prologue bool
	// push/pop bookkeeping for save/restore pairing
	pushed ir.Register
	popped ir.Register
	hasPP  bool
}

// build turns a decoded instruction stream into an ir.Program:
// discovers entry points, pairs register saves with their restores,
// cuts basic blocks and classifies the edges between them.
func build(arch ir.Arch, insns []rawInsn, base, end uint64) *ir.Program {
	index := make(map[uint64]int, len(insns))
	for i := range insns {
		index[insns[i].addr] = i
	}

	entries := discoverEntries(insns, base, end)
	entryAt := make(map[uint64]bool, len(entries))
	for _, a := range entries {
		entryAt[a] = true
	}

	markSaveRestore(insns, entries, end)

	// Leaders: entry points, branch targets, and the fallthrough points
	// after calls and conditional branches.
	leader := make(map[uint64]bool, len(entries))
	for _, a := range entries {
		leader[a] = true
	}
	for i := range insns {
		in := &insns[i]
		next := in.addr + uint64(in.size)
		switch in.flow {
		case flowCall, flowCondJump:
			leader[next] = true
		case flowJump, flowRet:
			leader[next] = true
		}
		if in.targetOK && in.target >= base && in.target < end {
			leader[in.target] = true
		}
	}

	prog := &ir.Program{Arch: arch}
	blockAt := make(map[uint64]ir.BlockID)
	var cur *ir.Block
	flush := func() { cur = nil }
	for i := range insns {
		in := &insns[i]
		if cur == nil || leader[in.addr] {
			prog.Blocks = append(prog.Blocks, ir.Block{Addr: in.addr})
			blockAt[in.addr] = ir.BlockID(len(prog.Blocks) - 1)
			cur = &prog.Blocks[len(prog.Blocks)-1]
		}

		if in.flow == flowNone {
			cur.Insns = append(cur.Insns, ir.Insn{
				Addr: in.addr, Kind: in.kind,
				Reads: in.reads, Writes: in.writes,
				SPDelta: in.spDelta,
				Site:    -1, Callee: ir.InvalidEntry,
			})
			continue
		}
		// Control transfers become edges, but a register consumed by
		// one (an indirect target, a tested register) is still a use.
		if len(in.reads) > 0 {
			cur.Insns = append(cur.Insns, ir.Insn{
				Addr: in.addr, Kind: ir.InsnNormal,
				Reads: in.reads,
				Site:  -1, Callee: ir.InvalidEntry,
			})
		}
		flush()
	}

	// Entry table, address order.
	slices.Sort(entries)
	entryID := make(map[uint64]ir.EntryID, len(entries))
	for _, a := range entries {
		bid, ok := blockAt[a]
		if !ok {
			continue
		}
		entryID[a] = ir.EntryID(len(prog.Entries))
		prog.Entries = append(prog.Entries, ir.Entry{Block: bid, Addr: a})
	}

	// Edges.
	cur = nil
	var curID ir.BlockID
	for i := range insns {
		in := &insns[i]
		if cur == nil || leader[in.addr] {
			curID = blockAt[in.addr]
			cur = &prog.Blocks[curID]
		}

		next := in.addr + uint64(in.size)
		last := i == len(insns)-1 || leader[next] || in.flow != flowNone

		switch in.flow {
		case flowCall:
			e := ir.Edge{Kind: ir.EdgeIndirectCall, Callee: ir.InvalidEntry, To: ir.NoBlock}
			if in.targetOK {
				if id, ok := entryID[in.target]; ok {
					e.Kind, e.Callee = ir.EdgeDirectCall, id
				}
			}
			if to, ok := blockAt[next]; ok {
				e.To = to
			}
			cur.Out = append(cur.Out, e)

		case flowJump:
			switch {
			case in.targetOK && entryAt[in.target]:
				// Unconditional jump to another function: tail call.
				id, ok := entryID[in.target]
				if !ok {
					id = ir.InvalidEntry
				}
				cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeTailCall, Callee: id, To: ir.NoBlock})
			case in.targetOK && in.target >= base && in.target < end:
				cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeBranch, To: blockAt[in.target]})
			default:
				// Indirect or out-of-section jump: an unresolved tail
				// call.
				cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeTailCall, Callee: ir.InvalidEntry, To: ir.NoBlock})
			}

		case flowCondJump:
			if in.targetOK && in.target >= base && in.target < end {
				cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeBranch, To: blockAt[in.target]})
			}
			if to, ok := blockAt[next]; ok {
				cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeBranch, To: to})
			}

		case flowRet:
			cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeReturn, To: ir.NoBlock})

		case flowNone:
			if last {
				// Falling into the next leader. Falling into another
				// function's entry is not treated as flow.
				if to, ok := blockAt[next]; ok && !entryAt[next] {
					cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeBranch, To: to})
				} else {
					cur.Out = append(cur.Out, ir.Edge{Kind: ir.EdgeUnreachable, To: ir.NoBlock})
				}
			}
		}
		if in.flow != flowNone {
			cur = nil
		}
	}

	return prog
}

// discoverEntries combines call-target, tail-jump-target and prologue
// detection into the candidate entry point set.
func discoverEntries(insns []rawInsn, base, end uint64) []uint64 {
	seen := make(map[uint64]bool)
	var entries []uint64
	add := func(a uint64) {
		if a >= base && a < end && !seen[a] {
			seen[a] = true
			entries = append(entries, a)
		}
	}

	// The section start is always a candidate, so code preceding the
	// first detected prologue still belongs to some function.
	add(base)

	for i := range insns {
		in := &insns[i]
		if in.targetOK && (in.flow == flowCall || in.flow == flowJump) {
			add(in.target)
		}
		if in.prologue {
			add(in.addr)
		}
	}

	slices.SortFunc(entries, func(a, b uint64) int { return cmp.Compare(a, b) })
	return entries
}

// markSaveRestore pairs pushes with the pops that reinstate them inside
// one function's linear range. A matched push becomes a save and its
// pop a restore, so the pair reads as register traffic that is neither
// a use nor a clobber.
func markSaveRestore(insns []rawInsn, entries []uint64, end uint64) {
	bounds := slices.Clone(entries)
	slices.Sort(bounds)

	for f := 0; f < len(bounds); f++ {
		lo := bounds[f]
		hi := end
		if f+1 < len(bounds) {
			hi = bounds[f+1]
		}

		type saved struct {
			reg  ir.Register
			insn int
		}
		var stack []saved
		for i := range insns {
			in := &insns[i]
			if in.addr < lo || in.addr >= hi || !in.hasPP {
				continue
			}
			if in.pushed != (ir.Register{}) {
				stack = append(stack, saved{in.pushed, i})
				continue
			}
			if n := len(stack); n > 0 && stack[n-1].reg == in.popped {
				insns[stack[n-1].insn].kind = ir.InsnSave
				in.kind = ir.InsnRestore
				stack = stack[:n-1]
			}
		}
	}
}
