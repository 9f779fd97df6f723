package abi

import (
	"fmt"
	"io"
	"slices"

	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// Results aggregates the six per-node analyses over one outlined body.
// Function-level maps are computed once; call-site maps are keyed by the
// call sites the outliner introduced.
type Results struct {
	UsedArguments      regstate.Map
	DeadArguments      regstate.Map
	UsedReturnValues   regstate.Map
	CallSiteUsedReturn map[ir.CallSiteID]regstate.Map
	CallSiteArguments  map[ir.CallSiteID]regstate.Map
	CallSiteDeadReturn map[ir.CallSiteID]regstate.Map
}

// Analyze runs all six analyses over the outlined body.
func Analyze(o *ir.Outlined) Results {
	res := Results{
		UsedArguments:      UsedArgumentsOfFunction(o),
		DeadArguments:      DeadRegisterArgumentsOfFunction(o),
		UsedReturnValues:   make(regstate.Map),
		CallSiteUsedReturn: make(map[ir.CallSiteID]regstate.Map),
		CallSiteArguments:  make(map[ir.CallSiteID]regstate.Map),
		CallSiteDeadReturn: make(map[ir.CallSiteID]regstate.Map),
	}

	for _, site := range o.CallSites {
		res.CallSiteUsedReturn[site.Site] = UsedReturnValuesOfFunctionCall(o, site)
		res.CallSiteArguments[site.Site] = RegisterArgumentsOfFunctionCall(o, site)
		res.CallSiteDeadReturn[site.Site] = DeadReturnValuesOfFunctionCall(o, site)
	}

	for _, ret := range o.Returns {
		res.UsedReturnValues = res.UsedReturnValues.CombineWith(UsedReturnValuesOfFunction(o, ret))
	}

	return res
}

// Dump writes a human-readable rendering of the results, each line
// prefixed with prefix. Output order is deterministic.
func (r *Results) Dump(w io.Writer, prefix string) {
	dumpMap := func(title string, m regstate.Map) {
		fmt.Fprintf(w, "%s%s:\n", prefix, title)
		for _, reg := range m.SortedRegisters() {
			fmt.Fprintf(w, "%s  %s = %s\n", prefix, reg.Name, m[reg])
		}
	}
	dumpSites := func(title string, sites map[ir.CallSiteID]regstate.Map) {
		fmt.Fprintf(w, "%s%s:\n", prefix, title)
		ids := make([]ir.CallSiteID, 0, len(sites))
		for id := range sites {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "%s  call site %d\n", prefix, id)
			m := sites[id]
			for _, reg := range m.SortedRegisters() {
				fmt.Fprintf(w, "%s    %s = %s\n", prefix, reg.Name, m[reg])
			}
		}
	}

	dumpMap("UsedArgumentsOfFunction", r.UsedArguments)
	dumpMap("DeadRegisterArgumentsOfFunction", r.DeadArguments)
	dumpSites("UsedReturnValuesOfFunctionCall", r.CallSiteUsedReturn)
	dumpSites("RegisterArgumentsOfFunctionCall", r.CallSiteArguments)
	dumpSites("DeadReturnValuesOfFunctionCall", r.CallSiteDeadReturn)
	dumpMap("UsedReturnValuesOfFunction", r.UsedReturnValues)
}
