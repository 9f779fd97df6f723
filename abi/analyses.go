// Package abi implements the per-node dataflow analyses that classify
// registers as arguments or return values of functions and call sites.
//
// Each analysis is a single forward or backward scan over one block of
// an outlined body. The scans are deliberately conservative: an opaque
// instruction stops the scan and every register it did not manage to
// classify stays Maybe. No analysis ever fails.
package abi

import (
	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// UsedArgumentsOfFunction classifies registers that are read in the
// entry block before any write reaches them: they are live-in and
// therefore plausibly incoming arguments.
func UsedArgumentsOfFunction(o *ir.Outlined) regstate.Map {
	m := make(regstate.Map)
	defined := make(map[ir.Register]bool)

	for i := range o.EntryBlock().Insns {
		insn := &o.EntryBlock().Insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				if !defined[r] {
					m.Set(r, regstate.Yes)
					defined[r] = true
				}
			}
		}
		for _, r := range insn.Writes {
			defined[r] = true
		}
	}
	return m
}

// DeadRegisterArgumentsOfFunction classifies registers whose first
// action in the entry block is a write: the incoming value is dead on
// entry, suggesting the register is not an argument.
func DeadRegisterArgumentsOfFunction(o *ir.Outlined) regstate.Map {
	m := make(regstate.Map)
	touched := make(map[ir.Register]bool)

	for i := range o.EntryBlock().Insns {
		insn := &o.EntryBlock().Insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				touched[r] = true
			}
		}
		for _, r := range insn.Writes {
			if !touched[r] && insn.Kind != ir.InsnRestore {
				m.Set(r, regstate.NoOrDead)
			}
			touched[r] = true
		}
	}
	return m
}

// UsedReturnValuesOfFunctionCall classifies registers that are read
// after the call returns, before being overwritten: they are live-out
// of the call and plausibly carry return values.
func UsedReturnValuesOfFunctionCall(o *ir.Outlined, site ir.OutlinedCallSite) regstate.Map {
	m := make(regstate.Map)
	insns := o.Block(site.Block).Insns
	start := afterPostCall(insns, site.Site)
	if start < 0 {
		return m
	}

	classified := make(map[ir.Register]bool)
	for i := start; i < len(insns); i++ {
		insn := &insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				if !classified[r] {
					m.Set(r, regstate.Yes)
					classified[r] = true
				}
			}
		}
		for _, r := range insn.Writes {
			classified[r] = true
		}
	}
	return m
}

// RegisterArgumentsOfFunctionCall classifies registers that hold a
// definition reaching the call with no intervening redefinition: they
// are live-in to the call and plausibly passed as arguments.
func RegisterArgumentsOfFunctionCall(o *ir.Outlined, site ir.OutlinedCallSite) regstate.Map {
	m := make(regstate.Map)
	insns := o.Block(site.Block).Insns
	pre := preCallIndex(insns, site.Site)
	if pre < 0 {
		return m
	}

	classified := make(map[ir.Register]bool)
	for i := pre - 1; i >= 0; i-- {
		insn := &insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		for _, r := range insn.Writes {
			if !classified[r] {
				m.Set(r, regstate.Yes)
				classified[r] = true
			}
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				classified[r] = true
			}
		}
	}
	return m
}

// DeadReturnValuesOfFunctionCall classifies registers whose first
// action after the call is a write: whatever the call left there is
// never consumed.
func DeadReturnValuesOfFunctionCall(o *ir.Outlined, site ir.OutlinedCallSite) regstate.Map {
	m := make(regstate.Map)
	insns := o.Block(site.Block).Insns
	start := afterPostCall(insns, site.Site)
	if start < 0 {
		return m
	}

	touched := make(map[ir.Register]bool)
	for i := start; i < len(insns); i++ {
		insn := &insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				touched[r] = true
			}
		}
		for _, r := range insn.Writes {
			if !touched[r] {
				m.Set(r, regstate.NoOrDead)
			}
			touched[r] = true
		}
	}
	return m
}

// UsedReturnValuesOfFunction classifies registers whose last action
// before a normal return is a write: the value survives to the caller
// and is plausibly returned. Restores of saved registers do not count.
func UsedReturnValuesOfFunction(o *ir.Outlined, ret ir.BlockID) regstate.Map {
	m := make(regstate.Map)
	insns := o.Block(ret).Insns

	classified := make(map[ir.Register]bool)
	for i := len(insns) - 1; i >= 0; i-- {
		insn := &insns[i]
		if insn.Kind == ir.InsnOpaque {
			break
		}
		for _, r := range insn.Writes {
			if !classified[r] {
				if insn.Kind != ir.InsnRestore {
					m.Set(r, regstate.Yes)
				}
				classified[r] = true
			}
		}
		if insn.Kind != ir.InsnSave {
			for _, r := range insn.Reads {
				classified[r] = true
			}
		}
	}
	return m
}

// preCallIndex returns the index of the pre-call marker for site, or -1.
func preCallIndex(insns []ir.Insn, site ir.CallSiteID) int {
	for i := range insns {
		if insns[i].Kind == ir.InsnPreCall && insns[i].Site == site {
			return i
		}
	}
	return -1
}

// afterPostCall returns the index just past the post-call marker for
// site, or -1.
func afterPostCall(insns []ir.Insn, site ir.CallSiteID) int {
	for i := range insns {
		if insns[i].Kind == ir.InsnPostCall && insns[i].Site == site {
			return i + 1
		}
	}
	return -1
}
