// Package regstate provides the register-state lattice used to merge
// partial knowledge about whether a register carries an argument or a
// return value.
//
// Maybe is the identity element: combining it with any state yields the
// other state. Contradiction is absorbing: once two pieces of evidence
// disagree irreconcilably, no later evidence can undo it. Invalid never
// participates in a combination; feeding it to Combine is a programming
// error, not a property of the input binary.
package regstate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/maxgio92/regalia/ir"
)

// State is one point of the register-state lattice.
type State uint8

// Lattice values.
const (
	Invalid State = iota
	No
	NoOrDead
	Dead
	Yes
	YesOrDead
	Maybe
	Contradiction
)

var stateNames = [...]string{
	Invalid:       "Invalid",
	No:            "No",
	NoOrDead:      "NoOrDead",
	Dead:          "Dead",
	Yes:           "Yes",
	YesOrDead:     "YesOrDead",
	Maybe:         "Maybe",
	Contradiction: "Contradiction",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalYAML encodes the state as its name.
func (s State) MarshalYAML() (interface{}, error) { return s.String(), nil }

// Combine merges two pieces of evidence about one register. It is
// commutative and associative, Maybe is its identity and Contradiction
// absorbs. It panics if either operand is Invalid.
func Combine(a, b State) State {
	switch a {
	case Yes:
		switch b {
		case Yes, YesOrDead, Maybe:
			return Yes
		case No, NoOrDead, Dead, Contradiction:
			return Contradiction
		}

	case YesOrDead:
		switch b {
		case Yes:
			return Yes
		case Maybe, YesOrDead:
			return YesOrDead
		case Dead, NoOrDead:
			return Dead
		case No, Contradiction:
			return Contradiction
		}

	case No:
		switch b {
		case No, NoOrDead, Maybe:
			return No
		case Yes, YesOrDead, Dead, Contradiction:
			return Contradiction
		}

	case NoOrDead:
		switch b {
		case No:
			return No
		case Maybe, NoOrDead:
			return NoOrDead
		case Dead, YesOrDead:
			return Dead
		case Yes, Contradiction:
			return Contradiction
		}

	case Dead:
		switch b {
		case Dead, Maybe, NoOrDead, YesOrDead:
			return Dead
		case No, Yes, Contradiction:
			return Contradiction
		}

	case Maybe:
		if b == Invalid {
			break
		}
		return b

	case Contradiction:
		if b == Invalid {
			break
		}
		return Contradiction
	}

	panic(fmt.Sprintf("regstate: Combine(%s, %s): Invalid operand", a, b))
}

// Map maps registers to lattice states. Absent keys read as Maybe.
type Map map[ir.Register]State

// Get returns the state of r, Maybe when absent.
func (m Map) Get(r ir.Register) State {
	if s, ok := m[r]; ok {
		return s
	}
	return Maybe
}

// Set records the state of r.
func (m Map) Set(r ir.Register, s State) { m[r] = s }

// Clone returns an independent copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for r, s := range m {
		out[r] = s
	}
	return out
}

// CombineWith returns a fresh map holding the pointwise combination of m
// and other over the union of their keys, absent entries defaulting to
// Maybe. Entries that combine to Maybe are dropped.
func (m Map) CombineWith(other Map) Map {
	out := make(Map, len(m)+len(other))
	for r, s := range m {
		out[r] = s
	}
	for r, s := range other {
		out[r] = Combine(out.Get(r), s)
	}
	for r, s := range out {
		if s == Maybe {
			delete(out, r)
		}
	}
	return out
}

// Equal reports whether m and other classify every register the same
// way, absent entries reading as Maybe.
func (m Map) Equal(other Map) bool {
	for r, s := range m {
		if other.Get(r) != s {
			return false
		}
	}
	for r, s := range other {
		if m.Get(r) != s {
			return false
		}
	}
	return true
}

// String renders the map with registers in name order.
func (m Map) String() string {
	regs := make([]ir.Register, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b ir.Register) int {
		return strings.Compare(a.Name, b.Name)
	})
	var sb strings.Builder
	sb.WriteByte('{')
	for i, r := range regs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", r.Name, m[r])
	}
	sb.WriteByte('}')
	return sb.String()
}

// SortedRegisters returns the map's keys in name order, for
// deterministic dumps.
func (m Map) SortedRegisters() []ir.Register {
	regs := make([]ir.Register, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b ir.Register) int {
		return strings.Compare(a.Name, b.Name)
	})
	return regs
}
