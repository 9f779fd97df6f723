// Command regalia recovers calling-convention facts from a binary: the
// argument and return-value registers and the stack displacement of
// every recovered function.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxgio92/regalia"
	"github.com/maxgio92/regalia/lift"
)

type analyzeParams struct {
	format        string
	maxIterations int
	verbose       bool
}

func main() {
	root := &cobra.Command{
		Use:           "regalia",
		Short:         "Recover calling conventions from machine code",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var params analyzeParams
	analyze := &cobra.Command{
		Use:   "analyze <binary>",
		Short: "Lift an ELF binary and recover per-function register conventions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(args[0], &params)
		},
	}
	analyze.Flags().StringVar(&params.format, "format", "text", "output format: text or yaml")
	analyze.Flags().IntVar(&params.maxIterations, "max-iterations", 0, "override the fixpoint iteration cap (0 = auto)")
	analyze.Flags().BoolVarP(&params.verbose, "verbose", "v", false, "log per-iteration analysis progress to stderr")
	root.AddCommand(analyze)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "regalia: %v\n", err)
		os.Exit(1)
	}
}

func runAnalyze(path string, params *analyzeParams) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close()

	prog, err := lift.LiftELF(f)
	if err != nil {
		return fmt.Errorf("failed to lift %s: %w", path, err)
	}

	logger := zap.NewNop()
	if params.verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck
	}

	opts := []regalia.Option{regalia.WithLogger(logger)}
	if params.maxIterations > 0 {
		opts = append(opts, regalia.WithMaxIterations(params.maxIterations))
	}
	results := regalia.NewAnalyzer(prog, opts...).Analyze()

	switch params.format {
	case "text":
		results.Dump(os.Stdout, prog)
	case "yaml":
		if err := results.DumpYAML(os.Stdout, prog); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (want text or yaml)", params.format)
	}

	if !results.Converged {
		fmt.Fprintln(os.Stderr, "warning: analysis hit the iteration cap; some summaries are provisional")
	}
	return nil
}
