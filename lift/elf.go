package lift

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/maxgio92/regalia/ir"
)

// LiftELF parses an ELF binary from the given reader, extracts the
// .text section and lifts it. The CPU is inferred from the ELF header.
func LiftELF(r io.ReaderAt) (*ir.Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	textSec := f.Section(".text")
	if textSec == nil {
		return nil, fmt.Errorf("no .text section found")
	}

	code, err := textSec.Data()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read .text section: %w", err)
	}

	var prog *ir.Program
	switch f.Machine {
	case elf.EM_X86_64:
		prog, err = Lift(code, textSec.Addr, CPUAMD64)
	case elf.EM_AARCH64:
		prog, err = Lift(code, textSec.Addr, CPUARM64)
	default:
		return nil, fmt.Errorf("unsupported ELF machine: %s", f.Machine)
	}
	if err != nil {
		return nil, err
	}

	nameEntries(f, prog)
	return prog, nil
}

// nameEntries attaches symbol names to entry points when the binary
// carries a symbol table.
func nameEntries(f *elf.File, prog *ir.Program) {
	syms, err := f.Symbols()
	if err != nil {
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" {
			continue
		}
		if id, ok := prog.EntryByAddr(sym.Value); ok {
			prog.Entries[id].Name = sym.Name
		}
	}
}
