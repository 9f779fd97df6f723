package regalia

import (
	"fmt"
	"slices"
	"strings"

	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// FunctionType classifies an analyzed entry point. Later values are
// strictly narrower than earlier ones: once an entry point is known to
// never return, it is never reclassified as regular.
type FunctionType uint8

// Function types.
const (
	TypeInvalid FunctionType = iota
	TypeRegular
	TypeNoReturn
	TypeFake
)

func (t FunctionType) String() string {
	switch t {
	case TypeInvalid:
		return "Invalid"
	case TypeRegular:
		return "Regular"
	case TypeNoReturn:
		return "NoReturn"
	case TypeFake:
		return "Fake"
	default:
		return fmt.Sprintf("FunctionType(%d)", uint8(t))
	}
}

// MarshalYAML encodes the function type as its name.
func (t FunctionType) MarshalYAML() (interface{}, error) { return t.String(), nil }

// narrows reports whether replacing old with t moves strictly down the
// classification order.
func (t FunctionType) narrows(old FunctionType) bool { return t > old }

// RegisterSet is a set of registers.
type RegisterSet map[ir.Register]struct{}

// NewRegisterSet builds a set from the given registers.
func NewRegisterSet(regs ...ir.Register) RegisterSet {
	s := make(RegisterSet, len(regs))
	for _, r := range regs {
		s.Add(r)
	}
	return s
}

// Add inserts r.
func (s RegisterSet) Add(r ir.Register) { s[r] = struct{}{} }

// Contains reports whether r is in the set.
func (s RegisterSet) Contains(r ir.Register) bool {
	_, ok := s[r]
	return ok
}

// Clone returns an independent copy.
func (s RegisterSet) Clone() RegisterSet {
	out := make(RegisterSet, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

// Union adds every register of other to s.
func (s RegisterSet) Union(other RegisterSet) {
	for r := range other {
		s[r] = struct{}{}
	}
}

// Superset reports whether s contains every register of other.
func (s RegisterSet) Superset(other RegisterSet) bool {
	for r := range other {
		if !s.Contains(r) {
			return false
		}
	}
	return true
}

// Equal reports whether s and other hold the same registers.
func (s RegisterSet) Equal(other RegisterSet) bool {
	return len(s) == len(other) && s.Superset(other)
}

// Sorted returns the registers in name order.
func (s RegisterSet) Sorted() []ir.Register {
	regs := make([]ir.Register, 0, len(s))
	for r := range s {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b ir.Register) int {
		return strings.Compare(a.Name, b.Name)
	})
	return regs
}

func (s RegisterSet) String() string {
	names := make([]string, 0, len(s))
	for _, r := range s.Sorted() {
		names = append(names, r.Name)
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// CallSiteResult is the per-call-site outcome: which registers the call
// site passes as arguments and which it receives as return values.
type CallSiteResult struct {
	Arguments    regstate.Map
	ReturnValues regstate.Map
}

// Clone returns an independent copy.
func (c CallSiteResult) Clone() CallSiteResult {
	return CallSiteResult{
		Arguments:    c.Arguments.Clone(),
		ReturnValues: c.ReturnValues.Clone(),
	}
}

// CallEdge records one call edge of an analyzed entry point.
type CallEdge struct {
	Site   ir.CallSiteID
	Callee ir.EntryID
	Kind   ir.EdgeKind
}

// FunctionSummary is the per-entry-point analysis record.
type FunctionSummary struct {
	Type               FunctionType
	Arguments          regstate.Map
	ReturnValues       regstate.Map
	ClobberedRegisters RegisterSet
	CallSites          map[ir.CallSiteID]CallSiteResult
	CallEdges          []CallEdge
	ElectedStackOffset *int64
	// Converged is false when the iteration cap was hit before this
	// entry point stabilized; the summary is the last one computed and
	// must be treated as provisional.
	Converged bool
}

// Clone returns a deep copy; committed summaries are handed out by copy
// so that in-flight analyses never alias the oracle's state.
func (s FunctionSummary) Clone() FunctionSummary {
	out := s
	out.Arguments = s.Arguments.Clone()
	out.ReturnValues = s.ReturnValues.Clone()
	out.ClobberedRegisters = s.ClobberedRegisters.Clone()
	out.CallSites = make(map[ir.CallSiteID]CallSiteResult, len(s.CallSites))
	for id, cs := range s.CallSites {
		out.CallSites[id] = cs.Clone()
	}
	out.CallEdges = slices.Clone(s.CallEdges)
	if s.ElectedStackOffset != nil {
		v := *s.ElectedStackOffset
		out.ElectedStackOffset = &v
	}
	return out
}

// Equal reports whether two summaries carry the same facts.
func (s FunctionSummary) Equal(other FunctionSummary) bool {
	if s.Type != other.Type ||
		!s.Arguments.Equal(other.Arguments) ||
		!s.ReturnValues.Equal(other.ReturnValues) ||
		!s.ClobberedRegisters.Equal(other.ClobberedRegisters) ||
		len(s.CallSites) != len(other.CallSites) {
		return false
	}
	for id, cs := range s.CallSites {
		o, ok := other.CallSites[id]
		if !ok || !cs.Arguments.Equal(o.Arguments) || !cs.ReturnValues.Equal(o.ReturnValues) {
			return false
		}
	}
	if (s.ElectedStackOffset == nil) != (other.ElectedStackOffset == nil) {
		return false
	}
	if s.ElectedStackOffset != nil && *s.ElectedStackOffset != *other.ElectedStackOffset {
		return false
	}
	return true
}
