package regalia

import (
	"slices"

	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// idPool hands out identifiers for disposable outlined bodies and takes
// them back on release, so identifiers never leak or collide across
// analysis attempts.
type idPool struct {
	next uint32
	free []uint32
}

func (p *idPool) acquire() uint32 {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	p.next++
	return p.next
}

func (p *idPool) release(id uint32) {
	p.free = append(p.free, id)
}

// outliner materializes disposable, self-contained bodies for single
// analysis attempts. It never mutates the source program.
type outliner struct {
	prog    *ir.Program
	oracle  *Oracle
	nodeCap int
	pool    idPool
}

func newOutliner(prog *ir.Program, oracle *Oracle, nodeCap int) *outliner {
	return &outliner{prog: prog, oracle: oracle, nodeCap: nodeCap}
}

// build clones the blocks reachable from entry, replacing every call
// edge with a (pre-call, callee-effect, post-call) marker triple whose
// effects reflect the oracle's current view of the callee. The returned
// body must be released after the analysis attempt.
func (ol *outliner) build(entry ir.EntryID) *ir.Outlined {
	order, truncated := ol.prog.ReachableBlocks(entry, ol.nodeCap)

	local := make(map[ir.BlockID]ir.BlockID, len(order))
	for i, bid := range order {
		local[bid] = ir.BlockID(i)
	}

	o := &ir.Outlined{
		Entry:     entry,
		ID:        ol.pool.acquire(),
		Blocks:    make([]ir.Block, len(order)),
		Truncated: truncated,
	}

	nextSite := ir.CallSiteID(0)
	for i, bid := range order {
		src := ol.prog.Block(bid)
		blk := ir.Block{Addr: src.Addr, Insns: slices.Clone(src.Insns)}

		for _, e := range src.Out {
			switch e.Kind {
			case ir.EdgeBranch, ir.EdgeFakeReturn:
				if to, ok := local[e.To]; ok {
					blk.Out = append(blk.Out, ir.Edge{To: to, Kind: ir.EdgeBranch})
				}

			case ir.EdgeDirectCall, ir.EdgeIndirectCall, ir.EdgeFakeCall:
				site := nextSite
				nextSite++
				blk.Insns = append(blk.Insns, ol.callMarkers(site, e.Callee)...)
				o.CallSites = append(o.CallSites, ir.OutlinedCallSite{
					Site: site, Block: ir.BlockID(i), Callee: e.Callee, Kind: e.Kind,
				})
				if to, ok := local[e.To]; e.To != ir.NoBlock && ok {
					blk.Out = append(blk.Out, ir.Edge{To: to, Kind: ir.EdgeBranch})
				} else {
					blk.Out = append(blk.Out, ir.Edge{To: ir.NoBlock, Kind: ir.EdgeUnreachable})
				}

			case ir.EdgeTailCall:
				site := nextSite
				nextSite++
				blk.Insns = append(blk.Insns, ol.callMarkers(site, e.Callee)...)
				o.CallSites = append(o.CallSites, ir.OutlinedCallSite{
					Site: site, Block: ir.BlockID(i), Callee: e.Callee, Kind: e.Kind,
				})
				blk.Out = append(blk.Out, ir.Edge{To: ir.NoBlock, Kind: ir.EdgeTailCall})

			default:
				blk.Out = append(blk.Out, ir.Edge{To: ir.NoBlock, Kind: e.Kind})
			}
		}
		o.Blocks[i] = blk
	}

	ol.fuse(o)

	for i := range o.Blocks {
		for _, e := range o.Blocks[i].Out {
			if e.Kind.IsReturnPoint() {
				o.Returns = append(o.Returns, ir.BlockID(i))
				break
			}
		}
	}
	return o
}

// release tears the outlined body down and returns its identifier to
// the pool.
func (ol *outliner) release(o *ir.Outlined) {
	o.Blocks = nil
	o.CallSites = nil
	o.Returns = nil
	ol.pool.release(o.ID)
}

// callMarkers builds the marker triple standing in for a call to
// callee: the callee-effect instruction reads the registers the callee
// possibly consumes as arguments and writes the registers it possibly
// clobbers or returns, per the oracle's current view. Unresolved
// targets get the fully conservative view.
func (ol *outliner) callMarkers(site ir.CallSiteID, callee ir.EntryID) []ir.Insn {
	var view FunctionSummary
	if callee == ir.InvalidEntry {
		view = ol.oracle.Conservative()
	} else {
		view = ol.oracle.Get(callee)
	}

	effect := ir.Insn{Kind: ir.InsnCalleeEffect, Site: site, Callee: callee}
	for r, s := range view.Arguments {
		if s == regstate.Yes || s == regstate.YesOrDead || s == regstate.Maybe {
			effect.Reads = append(effect.Reads, r)
		}
	}
	written := view.ClobberedRegisters.Clone()
	for r, s := range view.ReturnValues {
		if s == regstate.Yes || s == regstate.YesOrDead || s == regstate.Maybe {
			written.Add(r)
		}
	}
	effect.Writes = written.Sorted()
	slices.SortFunc(effect.Reads, func(a, b ir.Register) int {
		if a.Name < b.Name {
			return -1
		} else if a.Name > b.Name {
			return 1
		}
		return 0
	})
	if view.ElectedStackOffset != nil {
		effect.SPDelta = *view.ElectedStackOffset
	}

	return []ir.Insn{
		{Kind: ir.InsnPreCall, Site: site, Callee: callee},
		effect,
		{Kind: ir.InsnPostCall, Site: site, Callee: callee},
	}
}

// fuse merges single-predecessor fallthrough chains so the linear scans
// of the per-node analyses see past call boundaries: a block ending in
// one unconditional branch absorbs its successor when that successor
// has no other predecessor.
func (ol *outliner) fuse(o *ir.Outlined) {
	preds := make(map[ir.BlockID]int)
	for i := range o.Blocks {
		for _, e := range o.Blocks[i].Out {
			if e.Kind == ir.EdgeBranch && e.To != ir.NoBlock {
				preds[e.To]++
			}
		}
	}

	dead := make(map[ir.BlockID]bool)
	for i := range o.Blocks {
		if dead[ir.BlockID(i)] {
			continue
		}
		for {
			blk := &o.Blocks[i]
			if len(blk.Out) != 1 || blk.Out[0].Kind != ir.EdgeBranch {
				break
			}
			to := blk.Out[0].To
			if to == ir.NoBlock || to == ir.BlockID(i) || to == 0 || preds[to] != 1 || dead[to] {
				break
			}
			next := &o.Blocks[to]
			blk.Insns = append(blk.Insns, next.Insns...)
			blk.Out = slices.Clone(next.Out)
			dead[to] = true

			// Reattach the absorbed block's call sites to the fused one.
			for s := range o.CallSites {
				if o.CallSites[s].Block == to {
					o.CallSites[s].Block = ir.BlockID(i)
				}
			}
		}
	}
	for id := range dead {
		o.Blocks[id] = ir.Block{Out: []ir.Edge{{To: ir.NoBlock, Kind: ir.EdgeUnreachable}}}
	}
}
