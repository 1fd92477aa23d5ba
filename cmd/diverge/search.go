package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/divergelabs/diverge"
	"github.com/divergelabs/diverge/z3"
	"github.com/spf13/cobra"
)

// NewSearchCommand returns the "search" command: the directed loop that
// repeatedly runs the instrumented program and steers it toward
// unexplored branches.
func NewSearchCommand() *cobra.Command {
	var (
		program    string
		seedPath   string
		configPath string
		cfg        = diverge.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "search --program <path>",
		Short: "Run the directed search loop over an instrumented program",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := diverge.LoadConfig(configPath)
				if err != nil {
					return err
				}
				mergeFlags(cmd, &cfg, loaded)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if program == "" {
				return fmt.Errorf("program required")
			}

			seed, err := readSeed(seedPath)
			if err != nil {
				return err
			}
			return runSearch(cmd, program, seed, cfg)
		},
	}

	cmd.Flags().StringVar(&program, "program", "", "instrumented target binary")
	cmd.Flags().StringVar(&seedPath, "seed-input", "", "seed input file (default: stdin)")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file")
	cmd.Flags().IntVar(&cfg.Budget, "budget", cfg.Budget, "maximum number of target runs")
	cmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "parallel target runs")
	cmd.Flags().IntVar(&cfg.RunTimeoutMS, "run-timeout", cfg.RunTimeoutMS, "per-run timeout in milliseconds")
	cmd.Flags().StringVar(&cfg.SyncMode, "mode", cfg.SyncMode, "runtime sync mode (locked, single, unsafe)")
	bindConfigFlags(cmd, &cfg)
	return cmd
}

// readSeed loads the seed input from a file, or from stdin when no file
// is given so the search can sit at the end of a pipe.
func readSeed(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	return ioutil.ReadAll(os.Stdin)
}

func runSearch(cmd *cobra.Command, program string, seed []byte, cfg diverge.Config) error {
	if err := os.MkdirAll(cfg.OutDir, 0777); err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(cfg.OutDir, "runs-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	visited, err := loadVisited(cfg)
	if err != nil {
		return err
	}

	solver := z3.NewSolver(cfg.SolverTimeout())
	defer solver.Close()

	writer, err := diverge.NewAnswerWriter(cfg.OutDir, cfg.Format())
	if err != nil {
		return err
	}

	search, err := diverge.NewSearch(diverge.SearchOptions{
		Target:     &diverge.ProcessTarget{Program: program, Dir: scratch},
		Diverger:   diverge.NewDiverger(solver, visited),
		Visited:    visited,
		Writer:     writer,
		Budget:     cfg.Budget,
		RunTimeout: cfg.RunTimeout(),
		Workers:    cfg.Workers,
	})
	if err != nil {
		return err
	}

	stats, err := search.Run(cmd.Context(), seed)
	if err != nil {
		return err
	}
	log.Printf("search: %s", stats)

	if err := saveVisited(cfg, visited); err != nil {
		return err
	}

	// Target crashes and timeouts are findings, not failures.
	fmt.Printf("Generated %d new inputs (%d runs, %d crashes, %d timeouts)\n",
		stats.Answers, stats.Runs, stats.Crashes, stats.Timeouts)
	return nil
}
