package regalia

import (
	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// Oracle is the best-known-so-far table of per-entry-point summaries,
// consulted when analyzing callers of not-yet-finalized callees. It is
// the exclusive owner of committed summaries: every read hands out a
// deep copy.
type Oracle struct {
	arch      ir.Arch
	summaries map[ir.EntryID]FunctionSummary
}

// NewOracle returns an empty oracle for the given register catalog.
func NewOracle(arch ir.Arch) *Oracle {
	return &Oracle{
		arch:      arch,
		summaries: make(map[ir.EntryID]FunctionSummary),
	}
}

// Known reports whether a summary has been committed for id.
func (o *Oracle) Known(id ir.EntryID) bool {
	_, ok := o.summaries[id]
	return ok
}

// Get returns a deep copy of the committed summary for id. A resolved
// but not-yet-analyzed callee reads as the optimistic bottom summary
// (nothing clobbered, nothing classified): the fixpoint only ever grows
// it. Unresolved targets are handled separately by Conservative.
func (o *Oracle) Get(id ir.EntryID) FunctionSummary {
	if s, ok := o.summaries[id]; ok {
		return s.Clone()
	}
	return FunctionSummary{
		Type:               TypeRegular,
		Arguments:          make(regstate.Map),
		ReturnValues:       make(regstate.Map),
		ClobberedRegisters: make(RegisterSet),
		CallSites:          make(map[ir.CallSiteID]CallSiteResult),
	}
}

// Conservative returns the fully conservative summary used for call
// targets outside the call graph: every register possibly an argument,
// possibly returned, and clobbered.
func (o *Oracle) Conservative() FunctionSummary {
	s := FunctionSummary{
		Type:               TypeRegular,
		Arguments:          make(regstate.Map),
		ReturnValues:       make(regstate.Map),
		ClobberedRegisters: make(RegisterSet),
		CallSites:          make(map[ir.CallSiteID]CallSiteResult),
	}
	for _, r := range o.arch.Registers {
		if r == o.arch.SP || r == o.arch.PC {
			continue
		}
		s.Arguments.Set(r, regstate.Maybe)
		s.ReturnValues.Set(r, regstate.Maybe)
		s.ClobberedRegisters.Add(r)
	}
	return s
}

// Commit applies the monotonicity rule and records the candidate
// summary for id. It reports whether the committed facts changed in a
// way callers must observe (and therefore be re-analyzed).
//
// Rules, in order:
//   - no prior summary: store the candidate, changed.
//   - the candidate's Type narrows the old one: store wholesale,
//     changed.
//   - the candidate's Type widens: rejected, the old summary stands.
//   - same Type: store the candidate but keep ClobberedRegisters
//     non-decreasing (union with the old set); changed only when the
//     candidate clobbers registers the old summary did not.
//
// Keeping the clobbered set monotone is what bounds the fixpoint:
// progress per entry point is measured on a lattice of height at most
// the register count, so oscillation between incomparable summaries
// cannot requeue work forever.
func (o *Oracle) Commit(id ir.EntryID, candidate FunctionSummary) bool {
	old, ok := o.summaries[id]
	if !ok {
		o.summaries[id] = candidate.Clone()
		return true
	}

	if candidate.Type != old.Type {
		if !candidate.Type.narrows(old.Type) {
			return false
		}
		o.summaries[id] = candidate.Clone()
		return true
	}

	grew := !old.ClobberedRegisters.Superset(candidate.ClobberedRegisters)
	merged := candidate.Clone()
	merged.ClobberedRegisters.Union(old.ClobberedRegisters)
	o.summaries[id] = merged
	return grew
}

// Snapshot returns deep copies of every committed summary.
func (o *Oracle) Snapshot() map[ir.EntryID]FunctionSummary {
	out := make(map[ir.EntryID]FunctionSummary, len(o.summaries))
	for id, s := range o.summaries {
		out[id] = s.Clone()
	}
	return out
}
