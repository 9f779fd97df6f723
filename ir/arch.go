package ir

import "fmt"

// Arch is a register catalog: the fixed list of architecture registers
// with their sizes, plus the stack-pointer and program-counter
// registers.
type Arch struct {
	Name      string
	Registers []Register
	SP        Register
	PC        Register

	byName map[string]Register
}

// Lookup resolves a register by name.
func (a *Arch) Lookup(name string) (Register, error) {
	if r, ok := a.byName[name]; ok {
		return r, nil
	}
	return Register{}, fmt.Errorf("unknown %s register %q", a.Name, name)
}

func newArch(name string, sp, pc string, size uint8, names []string) Arch {
	a := Arch{Name: name, byName: make(map[string]Register, len(names))}
	for _, n := range names {
		r := Register{Name: n, Size: size}
		a.Registers = append(a.Registers, r)
		a.byName[n] = r
	}
	a.SP = a.byName[sp]
	a.PC = a.byName[pc]
	return a
}

// AMD64 returns the x86-64 general-purpose register catalog.
func AMD64() Arch {
	return newArch("amd64", "rsp", "rip", 8, []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip",
	})
}

// ARM64 returns the AArch64 general-purpose register catalog.
func ARM64() Arch {
	names := make([]string, 0, 33)
	for i := 0; i < 29; i++ {
		names = append(names, fmt.Sprintf("x%d", i))
	}
	names = append(names, "x29", "x30", "sp", "pc")
	return newArch("arm64", "sp", "pc", 8, names)
}
