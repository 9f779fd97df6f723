package regalia_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/maxgio92/regalia"
	"github.com/maxgio92/regalia/ir"
)

func TestDumpText(t *testing.T) {
	prog := leafProgram()
	res := regalia.NewAnalyzer(prog).Analyze()
	require.True(t, res.Converged)

	var sb strings.Builder
	res.Dump(&sb, prog)

	want := `function leaf (0x1000)
  type: Regular
  converged: true
  elected stack offset: 0
  clobbered registers: {rax}
  arguments:
    rax = NoOrDead
    rdi = Yes
  return values:
    rax = Yes
`
	if diff := cmp.Diff(want, sb.String()); diff != "" {
		t.Errorf("dump mismatch (-want +got):\n%s", diff)
	}
}

func TestDumpTextCallSites(t *testing.T) {
	prog := mutualProgram()
	res := regalia.NewAnalyzer(prog).Analyze()
	require.True(t, res.Converged)

	var sb strings.Builder
	res.Dump(&sb, prog)
	out := sb.String()

	assert.Contains(t, out, "function f (0x1000)")
	assert.Contains(t, out, "function g (0x2000)")
	assert.Contains(t, out, "call site 0 -> g (0x2000) (DirectCall)")
	assert.Contains(t, out, "call site 0 -> f (0x1000) (DirectCall)")
}

func TestDumpYAML(t *testing.T) {
	prog := leafProgram()
	res := regalia.NewAnalyzer(prog).Analyze()

	var sb strings.Builder
	require.NoError(t, res.DumpYAML(&sb, prog))

	var doc struct {
		Converged  bool `yaml:"converged"`
		Iterations int  `yaml:"iterations"`
		Functions  []struct {
			Function           string            `yaml:"function"`
			Address            string            `yaml:"address"`
			Type               string            `yaml:"type"`
			Converged          bool              `yaml:"converged"`
			ElectedStackOffset *int64            `yaml:"electedStackOffset"`
			ClobberedRegisters []string          `yaml:"clobberedRegisters"`
			Arguments          map[string]string `yaml:"arguments"`
			ReturnValues       map[string]string `yaml:"returnValues"`
		} `yaml:"functions"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(sb.String()), &doc))

	assert.True(t, doc.Converged)
	require.Len(t, doc.Functions, 1)
	f := doc.Functions[0]
	assert.Equal(t, "leaf", f.Function)
	assert.Equal(t, "0x1000", f.Address)
	assert.Equal(t, "Regular", f.Type)
	assert.True(t, f.Converged)
	require.NotNil(t, f.ElectedStackOffset)
	assert.Equal(t, int64(0), *f.ElectedStackOffset)
	assert.Equal(t, []string{"rax"}, f.ClobberedRegisters)
	assert.Equal(t, map[string]string{"rdi": "Yes", "rax": "NoOrDead"}, f.Arguments)
	assert.Equal(t, map[string]string{"rax": "Yes"}, f.ReturnValues)
}

func TestDumpRendersUnresolvedTargetAsIndirect(t *testing.T) {
	prog := leafProgram()
	prog.Blocks[0].Out = []ir.Edge{{Kind: ir.EdgeIndirectCall, Callee: ir.InvalidEntry, To: ir.NoBlock}}

	res := regalia.NewAnalyzer(prog).Analyze()
	var sb strings.Builder
	res.Dump(&sb, prog)
	assert.Contains(t, sb.String(), "call site 0 -> indirect (IndirectCall)")
}
