package regalia

import (
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

// sortedEntries returns the analyzed entry points in address order.
func (r *Results) sortedEntries(prog *ir.Program) []ir.EntryID {
	ids := make([]ir.EntryID, 0, len(r.Summaries))
	for id := range r.Summaries {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ir.EntryID) int {
		aa, ba := prog.Entries[a].Addr, prog.Entries[b].Addr
		switch {
		case aa < ba:
			return -1
		case aa > ba:
			return 1
		default:
			return 0
		}
	})
	return ids
}

func entryLabel(prog *ir.Program, id ir.EntryID) string {
	e := prog.Entries[id]
	if e.Name != "" {
		return fmt.Sprintf("%s (0x%x)", e.Name, e.Addr)
	}
	return fmt.Sprintf("0x%x", e.Addr)
}

// Dump writes a human-readable rendering of every summary in address
// order. The format is for diagnostics, not for parsing.
func (r *Results) Dump(w io.Writer, prog *ir.Program) {
	writeMap := func(title string, m regstate.Map) {
		fmt.Fprintf(w, "  %s:\n", title)
		for _, reg := range m.SortedRegisters() {
			fmt.Fprintf(w, "    %s = %s\n", reg.Name, m[reg])
		}
	}

	for _, id := range r.sortedEntries(prog) {
		s := r.Summaries[id]
		fmt.Fprintf(w, "function %s\n", entryLabel(prog, id))
		fmt.Fprintf(w, "  type: %s\n", s.Type)
		fmt.Fprintf(w, "  converged: %t\n", s.Converged)
		if s.ElectedStackOffset != nil {
			fmt.Fprintf(w, "  elected stack offset: %d\n", *s.ElectedStackOffset)
		}
		fmt.Fprintf(w, "  clobbered registers: %s\n", s.ClobberedRegisters)
		writeMap("arguments", s.Arguments)
		writeMap("return values", s.ReturnValues)

		edges := slices.Clone(s.CallEdges)
		slices.SortFunc(edges, func(a, b CallEdge) int { return int(a.Site - b.Site) })
		for _, e := range edges {
			target := "indirect"
			if e.Callee != ir.InvalidEntry {
				target = entryLabel(prog, e.Callee)
			}
			fmt.Fprintf(w, "  call site %d -> %s (%s)\n", e.Site, target, e.Kind)
			cs := s.CallSites[e.Site]
			for _, reg := range cs.Arguments.SortedRegisters() {
				fmt.Fprintf(w, "    argument %s = %s\n", reg.Name, cs.Arguments[reg])
			}
			for _, reg := range cs.ReturnValues.SortedRegisters() {
				fmt.Fprintf(w, "    return value %s = %s\n", reg.Name, cs.ReturnValues[reg])
			}
		}
	}
}

type callSiteYAML struct {
	Site         int                       `yaml:"site"`
	Target       string                    `yaml:"target"`
	Kind         string                    `yaml:"kind"`
	Arguments    map[string]regstate.State `yaml:"arguments,omitempty"`
	ReturnValues map[string]regstate.State `yaml:"returnValues,omitempty"`
}

type summaryYAML struct {
	Function           string                    `yaml:"function,omitempty"`
	Address            string                    `yaml:"address"`
	Type               FunctionType              `yaml:"type"`
	Converged          bool                      `yaml:"converged"`
	ElectedStackOffset *int64                    `yaml:"electedStackOffset,omitempty"`
	ClobberedRegisters []string                  `yaml:"clobberedRegisters,omitempty"`
	Arguments          map[string]regstate.State `yaml:"arguments,omitempty"`
	ReturnValues       map[string]regstate.State `yaml:"returnValues,omitempty"`
	CallSites          []callSiteYAML            `yaml:"callSites,omitempty"`
}

type resultsYAML struct {
	Converged  bool          `yaml:"converged"`
	Iterations int           `yaml:"iterations"`
	Functions  []summaryYAML `yaml:"functions"`
}

func stateMapYAML(m regstate.Map) map[string]regstate.State {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]regstate.State, len(m))
	for r, s := range m {
		out[r.Name] = s
	}
	return out
}

// DumpYAML writes the structured form of every summary in address
// order.
func (r *Results) DumpYAML(w io.Writer, prog *ir.Program) error {
	doc := resultsYAML{
		Converged:  r.Converged,
		Iterations: r.Iterations,
	}
	for _, id := range r.sortedEntries(prog) {
		s := r.Summaries[id]
		e := prog.Entries[id]

		y := summaryYAML{
			Function:           e.Name,
			Address:            fmt.Sprintf("0x%x", e.Addr),
			Type:               s.Type,
			Converged:          s.Converged,
			ElectedStackOffset: s.ElectedStackOffset,
			Arguments:          stateMapYAML(s.Arguments),
			ReturnValues:       stateMapYAML(s.ReturnValues),
		}
		for _, reg := range s.ClobberedRegisters.Sorted() {
			y.ClobberedRegisters = append(y.ClobberedRegisters, reg.Name)
		}

		edges := slices.Clone(s.CallEdges)
		slices.SortFunc(edges, func(a, b CallEdge) int { return int(a.Site - b.Site) })
		for _, edge := range edges {
			target := "indirect"
			if edge.Callee != ir.InvalidEntry {
				target = fmt.Sprintf("0x%x", prog.Entries[edge.Callee].Addr)
			}
			cs := s.CallSites[edge.Site]
			y.CallSites = append(y.CallSites, callSiteYAML{
				Site:         int(edge.Site),
				Target:       target,
				Kind:         edge.Kind.String(),
				Arguments:    stateMapYAML(cs.Arguments),
				ReturnValues: stateMapYAML(cs.ReturnValues),
			})
		}
		doc.Functions = append(doc.Functions, y)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return enc.Close()
}
