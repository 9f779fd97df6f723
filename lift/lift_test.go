package lift_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/regalia"
	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/lift"
	"github.com/maxgio92/regalia/regstate"
)

const base = uint64(0x401000)

// encodeCallRel32 emits an x86-64 near call with a 32-bit relative
// displacement.
func encodeCallRel32(rel int32) []byte {
	out := []byte{0xe8, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[1:], uint32(rel))
	return out
}

// buildAMD64Image lays out two functions:
//
//	main:  push rbp; mov rbp,rsp; mov edi,42; call leaf; pop rbp; ret
//	leaf:  push rbp; mov rbp,rsp; mov rax,rdi; pop rbp; ret
func buildAMD64Image() (code []byte, leafAddr uint64) {
	var out []byte
	out = append(out, 0x55)             // push rbp
	out = append(out, 0x48, 0x89, 0xe5) // mov rbp, rsp
	out = append(out, 0xbf, 0x2a, 0x00, 0x00, 0x00) // mov edi, 42

	callAddr := base + uint64(len(out))
	leafAddr = base + uint64(len(out)) + 5 + 2 // call, pop, ret
	out = append(out, encodeCallRel32(int32(leafAddr-(callAddr+5)))...)
	out = append(out, 0x5d) // pop rbp
	out = append(out, 0xc3) // ret

	out = append(out, 0x55)             // push rbp
	out = append(out, 0x48, 0x89, 0xe5) // mov rbp, rsp
	out = append(out, 0x48, 0x89, 0xf8) // mov rax, rdi
	out = append(out, 0x5d)             // pop rbp
	out = append(out, 0xc3)             // ret
	return out, leafAddr
}

func TestLiftAMD64DiscoversEntries(t *testing.T) {
	code, leafAddr := buildAMD64Image()
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	require.Len(t, prog.Entries, 2)
	_, ok := prog.EntryByAddr(base)
	assert.True(t, ok)
	_, ok = prog.EntryByAddr(leafAddr)
	assert.True(t, ok)
}

func TestLiftAMD64ClassifiesCallEdge(t *testing.T) {
	code, leafAddr := buildAMD64Image()
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	mainID, ok := prog.EntryByAddr(base)
	require.True(t, ok)
	leafID, ok := prog.EntryByAddr(leafAddr)
	require.True(t, ok)

	sites := prog.CallSites(mainID, 100)
	require.Len(t, sites, 1)
	assert.Equal(t, ir.EdgeDirectCall, sites[0].Kind)
	assert.Equal(t, leafID, sites[0].Callee)
}

func TestLiftAMD64PairsSaveRestore(t *testing.T) {
	code, leafAddr := buildAMD64Image()
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	leafID, ok := prog.EntryByAddr(leafAddr)
	require.True(t, ok)
	insns := prog.Block(prog.Entries[leafID].Block).Insns

	var kinds []ir.InsnKind
	for _, in := range insns {
		kinds = append(kinds, in.Kind)
	}
	assert.Contains(t, kinds, ir.InsnSave)
	assert.Contains(t, kinds, ir.InsnRestore)
}

func TestLiftAMD64EndToEnd(t *testing.T) {
	code, leafAddr := buildAMD64Image()
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	res := regalia.NewAnalyzer(prog).Analyze()
	require.True(t, res.Converged)

	rax := ir.Register{Name: "rax", Size: 8}
	rbx := ir.Register{Name: "rbx", Size: 8}
	rdi := ir.Register{Name: "rdi", Size: 8}

	leafID, ok := prog.EntryByAddr(leafAddr)
	require.True(t, ok)
	leaf := res.Summaries[leafID]
	assert.Equal(t, regstate.Yes, leaf.Arguments.Get(rdi))
	assert.Equal(t, regstate.Yes, leaf.ReturnValues.Get(rax))
	assert.True(t, leaf.ClobberedRegisters.Contains(rax))
	assert.False(t, leaf.ClobberedRegisters.Contains(rbx))

	mainID, ok := prog.EntryByAddr(base)
	require.True(t, ok)
	main := res.Summaries[mainID]
	require.Len(t, main.CallEdges, 1)
	site := main.CallSites[main.CallEdges[0].Site]
	assert.Equal(t, regstate.Yes, site.Arguments.Get(rdi))
	assert.True(t, main.ClobberedRegisters.Contains(rdi))
}

func TestLiftAMD64IndirectJumpIsUnresolvedTailCall(t *testing.T) {
	code := []byte{
		0xff, 0xe0, // jmp rax
	}
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	require.NotEmpty(t, prog.Blocks)
	out := prog.Blocks[0].Out
	require.Len(t, out, 1)
	assert.Equal(t, ir.EdgeTailCall, out[0].Kind)
	assert.Equal(t, ir.InvalidEntry, out[0].Callee)

	// The jump still consumes its target register.
	rax := ir.Register{Name: "rax", Size: 8}
	require.NotEmpty(t, prog.Blocks[0].Insns)
	assert.True(t, prog.Blocks[0].Insns[0].ReadsReg(rax))
}

func TestLiftAMD64IndirectCallIsUnresolved(t *testing.T) {
	code := []byte{
		0xff, 0xd0, // call rax
		0xc3, // ret
	}
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	require.NotEmpty(t, prog.Blocks)
	out := prog.Blocks[0].Out
	require.NotEmpty(t, out)
	assert.Equal(t, ir.EdgeIndirectCall, out[0].Kind)
	assert.Equal(t, ir.InvalidEntry, out[0].Callee)

	rax := ir.Register{Name: "rax", Size: 8}
	assert.True(t, prog.Blocks[0].Insns[0].ReadsReg(rax))
}

func TestLiftAMD64LeaveAbstainsFromStackVote(t *testing.T) {
	code := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
		0xc9, // leave
		0xc3, // ret
	}
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	res := regalia.NewAnalyzer(prog).Analyze()
	id, ok := prog.EntryByAddr(base)
	require.True(t, ok)

	// leave reloads rsp from rbp, so the net displacement at the
	// return depends on the frame size and cannot be voted on.
	assert.Nil(t, res.Summaries[id].ElectedStackOffset)
}

func TestLiftAMD64UndecodableBytesBecomeOpaque(t *testing.T) {
	code := []byte{
		0x06,       // invalid in 64-bit mode
		0x48, 0x89, 0xf8, // mov rax, rdi
		0xc3, // ret
	}
	prog, err := lift.Lift(code, base, lift.CPUAMD64)
	require.NoError(t, err)

	require.NotEmpty(t, prog.Blocks)
	assert.Equal(t, ir.InsnOpaque, prog.Blocks[0].Insns[0].Kind)
}

// arm64Word appends one little-endian instruction word.
func arm64Word(out []byte, w uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return append(out, b[:]...)
}

const (
	arm64StpPrologue = 0xa9bf7bfd // stp x29, x30, [sp, #-16]!
	arm64MovFPSP     = 0x910003fd // mov x29, sp
	arm64LdpEpilogue = 0xa8c17bfd // ldp x29, x30, [sp], #16
	arm64RET         = 0xd65f03c0
	arm64BLOp        = 0x94000000
)

// arm64BL encodes a BL with the given byte displacement.
func arm64BL(rel int64) uint32 {
	return arm64BLOp | uint32(rel/4)&0x03ffffff
}

// buildARM64Image lays out two functions:
//
//	main:  stp x29,x30,[sp,#-16]!; mov x29,sp; mov x0,#42; bl leaf;
//	       ldp x29,x30,[sp],#16; ret
//	leaf:  add x0, x0, #1; ret
func buildARM64Image() (code []byte, leafAddr uint64) {
	var out []byte
	out = arm64Word(out, arm64StpPrologue)
	out = arm64Word(out, arm64MovFPSP)
	out = arm64Word(out, 0xd2800540) // mov x0, #42

	blOff := uint64(len(out))
	leafAddr = base + 24
	out = arm64Word(out, arm64BL(int64(leafAddr)-int64(base+blOff)))
	out = arm64Word(out, arm64LdpEpilogue)
	out = arm64Word(out, arm64RET)

	out = arm64Word(out, 0x91000400) // add x0, x0, #1
	out = arm64Word(out, arm64RET)
	return out, leafAddr
}

func TestLiftARM64DiscoversEntries(t *testing.T) {
	code, leafAddr := buildARM64Image()
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	require.Len(t, prog.Entries, 2)
	_, ok := prog.EntryByAddr(base)
	assert.True(t, ok)
	_, ok = prog.EntryByAddr(leafAddr)
	assert.True(t, ok)
}

func TestLiftARM64EndToEnd(t *testing.T) {
	code, leafAddr := buildARM64Image()
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	res := regalia.NewAnalyzer(prog).Analyze()
	require.True(t, res.Converged)

	x0 := ir.Register{Name: "x0", Size: 8}
	x30 := ir.Register{Name: "x30", Size: 8}

	leafID, ok := prog.EntryByAddr(leafAddr)
	require.True(t, ok)
	leaf := res.Summaries[leafID]
	assert.Equal(t, regstate.Yes, leaf.Arguments.Get(x0))
	assert.Equal(t, regstate.Yes, leaf.ReturnValues.Get(x0))

	mainID, ok := prog.EntryByAddr(base)
	require.True(t, ok)
	main := res.Summaries[mainID]
	require.Len(t, main.CallEdges, 1)
	site := main.CallSites[main.CallEdges[0].Site]
	assert.Equal(t, regstate.Yes, site.Arguments.Get(x0))
	assert.False(t, main.ClobberedRegisters.Contains(x30),
		"the frame-pair save and restore are not clobbers")
}

func TestLiftARM64FramePairSaveRestore(t *testing.T) {
	code, _ := buildARM64Image()
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	mainID, ok := prog.EntryByAddr(base)
	require.True(t, ok)
	insns := prog.Block(prog.Entries[mainID].Block).Insns
	require.NotEmpty(t, insns)
	assert.Equal(t, ir.InsnSave, insns[0].Kind)
	assert.Equal(t, int64(-16), insns[0].SPDelta)
}

func TestLiftARM64PairStoreOffStackIsNotSave(t *testing.T) {
	var code []byte
	code = arm64Word(code, 0xa9000440) // stp x0, x1, [x2]
	code = arm64Word(code, arm64RET)
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	require.NotEmpty(t, prog.Blocks)
	in := prog.Blocks[0].Insns[0]
	assert.Equal(t, ir.InsnNormal, in.Kind,
		"a pair store through an arbitrary base is not a register save")
	assert.True(t, in.ReadsReg(ir.Register{Name: "x0", Size: 8}))
	assert.True(t, in.ReadsReg(ir.Register{Name: "x1", Size: 8}))
	assert.True(t, in.ReadsReg(ir.Register{Name: "x2", Size: 8}))
}

func TestLiftARM64ShiftedRegisterOperand(t *testing.T) {
	var code []byte
	code = arm64Word(code, 0x8b020020) // add x0, x1, x2
	code = arm64Word(code, arm64RET)
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	require.NotEmpty(t, prog.Blocks)
	in := prog.Blocks[0].Insns[0]
	assert.Equal(t, ir.InsnNormal, in.Kind)
	assert.True(t, in.ReadsReg(ir.Register{Name: "x1", Size: 8}))
	assert.True(t, in.WritesReg(ir.Register{Name: "x0", Size: 8}))
}

func TestLiftARM64StackOffsetElection(t *testing.T) {
	code, _ := buildARM64Image()
	prog, err := lift.Lift(code, base, lift.CPUARM64)
	require.NoError(t, err)

	res := regalia.NewAnalyzer(prog).Analyze()
	mainID, _ := prog.EntryByAddr(base)
	off := res.Summaries[mainID].ElectedStackOffset
	require.NotNil(t, off)
	assert.Equal(t, int64(0), *off, "the frame-pair save and its restore cancel out")
}

func TestLiftUnsupportedCPU(t *testing.T) {
	_, err := lift.Lift(nil, base, lift.CPU("mips"))
	assert.Error(t, err)
}
