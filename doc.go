// Package regalia recovers calling-convention facts from machine code
// lifted to an intermediate representation. For every candidate
// function entry point it determines which processor registers are live
// function arguments, which are dead on entry, which registers carry
// return values, and the net stack-pointer displacement the function
// performs.
//
// # Pipeline
//
// A lifted [ir.Program] (see the lift package for producing one from
// raw machine code) feeds the [Analyzer], which drives an
// interprocedural fixpoint over the call graph:
//
//  1. Each entry point's reachable code is copied into a disposable
//     outlined body, with every call replaced by a marker triple whose
//     effects reflect the current best knowledge about the callee.
//  2. Six per-node dataflow analyses (package abi) classify each
//     register's role at the function entry, at every call boundary and
//     at every return point, on the regstate lattice.
//  3. The results are synthesized into one [FunctionSummary] and
//     committed to the [Oracle] under a monotonicity rule; a changed
//     summary re-enqueues the function's callers.
//
// The driver always terminates: progress is measured on a finite
// lattice per entry point, and a hard iteration cap backs that up. It
// always produces a complete summary set; in the worst case a summary
// is maximally conservative (every register possibly used, possibly
// returned, clobbered) and flagged as not converged.
//
// # Consumers
//
// Per-entry-point summaries (type, clobbered registers, elected stack
// offset) drive signature recovery; per-call-site results (argument and
// return-value register maps) drive call-site rewriting. [Results.Dump]
// and [Results.DumpYAML] expose both for diagnostics.
package regalia
