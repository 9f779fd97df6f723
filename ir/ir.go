// Package ir models machine code lifted to an analyzable intermediate
// representation: architecture register catalogs, register-effect
// instructions, basic blocks with classified outgoing edges, candidate
// function entry points, and the call graph connecting them.
package ir

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Register is an architecture register identity with a fixed byte size.
// Registers are immutable values defined by the target architecture.
type Register struct {
	Name string
	Size uint8
}

func (r Register) String() string { return r.Name }

// EntryID identifies a candidate function entry point within a Program.
type EntryID int

// InvalidEntry marks an unresolved call target (e.g. an indirect call).
const InvalidEntry EntryID = -1

// BlockID identifies a basic block within a Program's block arena.
type BlockID int

// NoBlock marks a call edge with no continuation block (the call never
// returns into lifted code).
const NoBlock BlockID = -1

// CallSiteID identifies one call boundary within an outlined body.
type CallSiteID int

// InsnKind classifies an instruction's role for the dataflow analyses.
type InsnKind uint8

// Instruction kinds.
const (
	// InsnNormal is an ordinary instruction with register effects.
	InsnNormal InsnKind = iota
	// InsnOpaque is an instruction whose effects could not be modeled.
	// Analyses treat it as a barrier: scans stop and unclassified
	// registers stay Maybe.
	InsnOpaque
	// InsnSave reads a register only to save a copy of it (push of a
	// register that a later pop reinstates). Save reads do not count as
	// uses.
	InsnSave
	// InsnRestore writes a register only to reinstate a copy saved
	// earlier in the same function (pop of a pushed register). Restore
	// writes do not count as clobbering.
	InsnRestore
	// InsnPreCall marks the boundary immediately before a call.
	InsnPreCall
	// InsnCalleeEffect summarizes a callee's side effects between the
	// pre- and post-call markers: it reads the callee's argument
	// registers and writes its clobbered set.
	InsnCalleeEffect
	// InsnPostCall marks the boundary immediately after a call returns.
	InsnPostCall
)

func (k InsnKind) String() string {
	switch k {
	case InsnNormal:
		return "normal"
	case InsnOpaque:
		return "opaque"
	case InsnSave:
		return "save"
	case InsnRestore:
		return "restore"
	case InsnPreCall:
		return "pre-call"
	case InsnCalleeEffect:
		return "callee-effect"
	case InsnPostCall:
		return "post-call"
	default:
		return fmt.Sprintf("InsnKind(%d)", uint8(k))
	}
}

// SPDeltaUnknown marks a stack-pointer adjustment whose size cannot be
// determined statically (e.g. an instruction that reloads the stack
// pointer from another register). Paths through such an instruction
// have no usable net displacement.
const SPDeltaUnknown int64 = math.MinInt64

// Insn is one lifted instruction: the registers it reads and writes, its
// net stack-pointer displacement, and, for call-boundary markers, the
// call site and callee it stands for.
type Insn struct {
	Addr    uint64
	Kind    InsnKind
	Reads   []Register
	Writes  []Register
	SPDelta int64
	Site    CallSiteID
	Callee  EntryID
}

// ReadsReg reports whether the instruction reads r.
func (i *Insn) ReadsReg(r Register) bool { return slices.Contains(i.Reads, r) }

// WritesReg reports whether the instruction writes r.
func (i *Insn) WritesReg(r Register) bool { return slices.Contains(i.Writes, r) }

// EdgeKind classifies an outgoing control-flow edge.
type EdgeKind uint8

// Edge kinds. Branch is function-local flow; the rest are the
// function-boundary classifications.
const (
	EdgeInvalid EdgeKind = iota
	EdgeBranch
	EdgeDirectCall
	EdgeIndirectCall
	EdgeTailCall
	EdgeReturn
	EdgeBrokenReturn
	EdgeLongJmp
	EdgeKiller
	EdgeUnreachable
	EdgeFakeCall
	EdgeFakeReturn
)

var edgeKindNames = map[EdgeKind]string{
	EdgeInvalid:      "Invalid",
	EdgeBranch:       "Branch",
	EdgeDirectCall:   "DirectCall",
	EdgeIndirectCall: "IndirectCall",
	EdgeTailCall:     "TailCall",
	EdgeReturn:       "Return",
	EdgeBrokenReturn: "BrokenReturn",
	EdgeLongJmp:      "LongJmp",
	EdgeKiller:       "Killer",
	EdgeUnreachable:  "Unreachable",
	EdgeFakeCall:     "FakeCall",
	EdgeFakeReturn:   "FakeReturn",
}

func (k EdgeKind) String() string {
	if s, ok := edgeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EdgeKind(%d)", uint8(k))
}

// IsCall reports whether the edge transfers control to a callee that is
// expected to return to the caller's flow (direct, indirect or fake) or
// to replace it (tail call).
func (k EdgeKind) IsCall() bool {
	switch k {
	case EdgeDirectCall, EdgeIndirectCall, EdgeTailCall, EdgeFakeCall:
		return true
	default:
		return false
	}
}

// IsReturnPoint reports whether the edge terminates the function with a
// normal return or a tail call (both are points at which the net stack
// displacement is observable).
func (k EdgeKind) IsReturnPoint() bool {
	return k == EdgeReturn || k == EdgeTailCall
}

// Edge is one classified outgoing edge of a block. To is set for
// function-local branches, Callee for call edges with a resolved target
// (InvalidEntry otherwise).
type Edge struct {
	To     BlockID
	Callee EntryID
	Kind   EdgeKind
}

// Block is a basic block: a straight-line instruction sequence with
// classified outgoing edges.
type Block struct {
	Addr  uint64
	Insns []Insn
	Out   []Edge
}

// Entry is a candidate function entry point.
type Entry struct {
	Block BlockID
	Addr  uint64
	Name  string
	// Fake marks a pseudo-function reached only through FakeCall edges.
	Fake bool
}

// Program is a lifted program: a register catalog, a block arena and the
// candidate entry points. Programs are built once and read-only for the
// analyses.
type Program struct {
	Arch    Arch
	Blocks  []Block
	Entries []Entry
}

// Block returns the block with the given identifier.
func (p *Program) Block(id BlockID) *Block { return &p.Blocks[id] }

// EntryByAddr returns the entry point starting at addr.
func (p *Program) EntryByAddr(addr uint64) (EntryID, bool) {
	for id, e := range p.Entries {
		if e.Addr == addr {
			return EntryID(id), true
		}
	}
	return InvalidEntry, false
}

// ReachableBlocks returns the blocks reachable from the entry through
// function-local and fake-call flow, calls not descended into, capped at
// max blocks. The returned order is deterministic (discovery order of a
// depth-first walk). The second result reports whether the cap was hit.
func (p *Program) ReachableBlocks(id EntryID, max int) ([]BlockID, bool) {
	seen := make(map[BlockID]bool)
	var order []BlockID
	truncated := false

	var stack []BlockID
	stack = append(stack, p.Entries[id].Block)
	for len(stack) > 0 {
		bid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[bid] {
			continue
		}
		if len(order) >= max {
			truncated = true
			break
		}
		seen[bid] = true
		order = append(order, bid)

		out := p.Blocks[bid].Out
		// Push in reverse so the first edge is visited first.
		for i := len(out) - 1; i >= 0; i-- {
			e := out[i]
			switch e.Kind {
			case EdgeBranch, EdgeFakeReturn:
				if !seen[e.To] {
					stack = append(stack, e.To)
				}
			case EdgeDirectCall, EdgeIndirectCall, EdgeFakeCall:
				// Fall through to the continuation block, if any.
				if e.To != NoBlock && !seen[e.To] {
					stack = append(stack, e.To)
				}
			}
		}
	}
	return order, truncated
}

// CallSite is one call edge discovered while walking an entry point's
// reachable blocks.
type CallSite struct {
	Block  BlockID
	Callee EntryID
	Kind   EdgeKind
}

// CallSites returns the call edges reachable from the entry, in block
// discovery order.
func (p *Program) CallSites(id EntryID, max int) []CallSite {
	blocks, _ := p.ReachableBlocks(id, max)
	var sites []CallSite
	for _, bid := range blocks {
		for _, e := range p.Blocks[bid].Out {
			if e.Kind.IsCall() {
				sites = append(sites, CallSite{Block: bid, Callee: e.Callee, Kind: e.Kind})
			}
		}
	}
	return sites
}

// CallGraph is the directed graph over entry points, built once from a
// Program and only read afterwards.
type CallGraph struct {
	callees map[EntryID][]EntryID
	callers map[EntryID][]EntryID
	order   []EntryID
}

// NewCallGraph builds the call graph of prog. Edges with unresolved
// targets contribute no graph edge; they still show up as call sites on
// the caller's blocks. max bounds the per-entry block walk.
func NewCallGraph(prog *Program, max int) *CallGraph {
	g := &CallGraph{
		callees: make(map[EntryID][]EntryID),
		callers: make(map[EntryID][]EntryID),
	}
	for id := range prog.Entries {
		caller := EntryID(id)
		seen := make(map[EntryID]bool)
		for _, site := range prog.CallSites(caller, max) {
			if site.Callee == InvalidEntry || seen[site.Callee] {
				continue
			}
			seen[site.Callee] = true
			g.callees[caller] = append(g.callees[caller], site.Callee)
			g.callers[site.Callee] = append(g.callers[site.Callee], caller)
		}
	}
	g.order = g.postOrder(prog)
	return g
}

// Callees returns the resolved call targets of id.
func (g *CallGraph) Callees(id EntryID) []EntryID { return g.callees[id] }

// Callers returns the entry points with a resolved call edge to id.
func (g *CallGraph) Callers(id EntryID) []EntryID { return g.callers[id] }

// PostOrder returns every entry point in a callee-first order. Cycles
// are broken at the back edge, so mutually recursive entries appear in
// an arbitrary but stable relative order.
func (g *CallGraph) PostOrder() []EntryID {
	out := make([]EntryID, len(g.order))
	copy(out, g.order)
	return out
}

func (g *CallGraph) postOrder(prog *Program) []EntryID {
	visited := make(map[EntryID]bool)
	var order []EntryID

	var visit func(EntryID)
	visit = func(id EntryID) {
		if visited[id] {
			return
		}
		visited[id] = true
		callees := slices.Clone(g.callees[id])
		slices.Sort(callees)
		for _, c := range callees {
			visit(c)
		}
		order = append(order, id)
	}

	roots := make([]EntryID, 0, len(prog.Entries))
	for id := range prog.Entries {
		roots = append(roots, EntryID(id))
	}
	slices.SortFunc(roots, func(a, b EntryID) int {
		return cmp.Compare(prog.Entries[a].Addr, prog.Entries[b].Addr)
	})
	for _, id := range roots {
		visit(id)
	}
	return order
}
