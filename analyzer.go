package regalia

import (
	"go.uber.org/zap"

	"github.com/maxgio92/regalia/abi"
	"github.com/maxgio92/regalia/ir"
)

// Default analysis bounds.
const (
	// DefaultNodeCap bounds the reachable-block walk of a single
	// outlined body.
	DefaultNodeCap = 4096
)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxIterations overrides the hard iteration cap of the fixpoint
// driver. Zero keeps the default, which scales with the number of entry
// points and registers.
func WithMaxIterations(n int) Option {
	return func(a *Analyzer) { a.maxIterations = n }
}

// WithNodeCap bounds the number of blocks outlined per analysis
// attempt.
func WithNodeCap(n int) Option {
	return func(a *Analyzer) { a.nodeCap = n }
}

// WithLogger installs a logger for per-iteration diagnostics. The
// default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// WithOracle makes the analyzer start from the given oracle instead of
// an empty one. Summaries seeded into it participate in the fixpoint
// like committed ones.
func WithOracle(o *Oracle) Option {
	return func(a *Analyzer) { a.oracle = o }
}

// Analyzer drives repeated summary computation across the call graph
// until every entry point is stable or the iteration cap is hit. An
// entry point is stable once a recomputation commits nothing new; a
// commit that does change the oracle re-enqueues the entry's callers.
// The analyzer is single-threaded: one entry point is processed to
// completion before the next is considered.
type Analyzer struct {
	prog  *ir.Program
	graph *ir.CallGraph

	oracle        *Oracle
	maxIterations int
	nodeCap       int
	log           *zap.Logger
}

// Results is the outcome of one analysis run: one summary per entry
// point, always complete. Entries that did not stabilize before the
// iteration cap carry Converged == false.
type Results struct {
	Summaries  map[ir.EntryID]FunctionSummary
	Iterations int
	Converged  bool
}

// NewAnalyzer prepares an analyzer for prog.
func NewAnalyzer(prog *ir.Program, opts ...Option) *Analyzer {
	a := &Analyzer{
		prog:    prog,
		nodeCap: DefaultNodeCap,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.oracle == nil {
		a.oracle = NewOracle(prog.Arch)
	}
	if a.maxIterations == 0 {
		n := len(prog.Entries)
		r := len(prog.Arch.Registers)
		a.maxIterations = n*(r+4) + 16
	}
	a.graph = ir.NewCallGraph(prog, a.nodeCap)
	return a
}

// Analyze runs the interprocedural fixpoint and returns the complete
// summary set. It never fails: unanalyzable constructs degrade to
// conservative facts instead of aborting.
func (a *Analyzer) Analyze() Results {
	ol := newOutliner(a.prog, a.oracle, a.nodeCap)

	queued := make(map[ir.EntryID]bool, len(a.prog.Entries))
	queue := a.graph.PostOrder()
	for _, id := range queue {
		queued[id] = true
	}

	iterations := 0
	for len(queue) > 0 && iterations < a.maxIterations {
		iterations++
		id := queue[0]
		queue = queue[1:]
		queued[id] = false

		o := ol.build(id)
		res := abi.Analyze(o)
		candidate := a.synthesize(o, res)
		ol.release(o)

		changed := a.oracle.Commit(id, candidate)

		a.log.Debug("committed summary",
			zap.Uint64("entry", a.prog.Entries[id].Addr),
			zap.Stringer("type", candidate.Type),
			zap.Int("clobbered", len(candidate.ClobberedRegisters)),
			zap.Bool("changed", changed),
		)

		if !changed {
			continue
		}
		for _, caller := range a.graph.Callers(id) {
			if !queued[caller] {
				queued[caller] = true
				queue = append(queue, caller)
			}
		}
	}

	results := Results{
		Summaries:  a.oracle.Snapshot(),
		Iterations: iterations,
		Converged:  len(queue) == 0,
	}
	if !results.Converged {
		a.log.Warn("iteration cap reached before convergence",
			zap.Int("iterations", iterations),
			zap.Int("pending", len(queue)),
		)
	}

	pending := make(map[ir.EntryID]bool, len(queue))
	for _, id := range queue {
		pending[id] = true
	}
	for id := range a.prog.Entries {
		eid := ir.EntryID(id)
		s, ok := results.Summaries[eid]
		if !ok {
			// Never analyzed before the cap: hand out the fully
			// conservative summary.
			s = a.oracle.Conservative()
		}
		s.Converged = ok && !pending[eid]
		results.Summaries[eid] = s
	}
	return results
}

// synthesize combines the six per-node analyses into one candidate
// FunctionSummary for the outlined body.
func (a *Analyzer) synthesize(o *ir.Outlined, res abi.Results) FunctionSummary {
	s := FunctionSummary{
		Arguments:          res.UsedArguments.CombineWith(res.DeadArguments),
		ReturnValues:       res.UsedReturnValues.Clone(),
		ClobberedRegisters: make(RegisterSet),
		CallSites:          make(map[ir.CallSiteID]CallSiteResult, len(o.CallSites)),
		ElectedStackOffset: electStackOffset(o),
	}

	for _, site := range o.CallSites {
		s.CallSites[site.Site] = CallSiteResult{
			Arguments:    res.CallSiteArguments[site.Site].Clone(),
			ReturnValues: res.CallSiteUsedReturn[site.Site].CombineWith(res.CallSiteDeadReturn[site.Site]),
		}
		s.CallEdges = append(s.CallEdges, CallEdge{
			Site: site.Site, Callee: site.Callee, Kind: site.Kind,
		})
	}

	sp, pc := a.prog.Arch.SP, a.prog.Arch.PC
	for b := range o.Blocks {
		for i := range o.Blocks[b].Insns {
			insn := &o.Blocks[b].Insns[i]
			if insn.Kind == ir.InsnRestore {
				continue
			}
			for _, r := range insn.Writes {
				if r == sp || r == pc {
					continue
				}
				s.ClobberedRegisters.Add(r)
			}
		}
	}

	switch {
	case a.prog.Entries[o.Entry].Fake:
		s.Type = TypeFake
	case len(o.Returns) == 0 && !o.Truncated:
		s.Type = TypeNoReturn
	default:
		s.Type = TypeRegular
	}
	return s
}

// electStackOffset computes the net stack-pointer displacement observed
// at each return and tail-call point and elects the single most common
// value. Blocks reached with conflicting displacements, or through an
// instruction whose displacement is unknown, do not vote; if no value
// wins outright the offset is absent.
func electStackOffset(o *ir.Outlined) *int64 {
	const unknown = int64(1) << 62

	// Net displacement across one block, unknown when any instruction
	// in it has no static stack effect.
	sum := func(bid ir.BlockID) int64 {
		blk := &o.Blocks[bid]
		total := int64(0)
		for i := range blk.Insns {
			d := blk.Insns[i].SPDelta
			if d == ir.SPDeltaUnknown {
				return unknown
			}
			total += d
		}
		return total
	}

	in := make(map[ir.BlockID]int64)
	in[0] = 0
	order := []ir.BlockID{0}
	for qi := 0; qi < len(order); qi++ {
		bid := order[qi]
		out := in[bid]
		if out != unknown {
			if d := sum(bid); d == unknown {
				out = unknown
			} else {
				out += d
			}
		}
		for _, e := range o.Blocks[bid].Out {
			if e.Kind != ir.EdgeBranch || e.To == ir.NoBlock {
				continue
			}
			prev, seen := in[e.To]
			switch {
			case !seen:
				in[e.To] = out
				order = append(order, e.To)
			case prev != out:
				in[e.To] = unknown
			}
		}
	}

	votes := make(map[int64]int)
	for _, bid := range o.Returns {
		start, ok := in[bid]
		if !ok || start == unknown {
			continue
		}
		d := sum(bid)
		if d == unknown {
			continue
		}
		votes[start+d]++
	}

	var elected int64
	best := 0
	tie := false
	for v, n := range votes {
		switch {
		case n > best:
			elected, best, tie = v, n, false
		case n == best:
			tie = true
		}
	}
	if best == 0 || tie {
		return nil
	}
	return &elected
}
