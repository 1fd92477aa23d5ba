package main

import (
	"context"
	"fmt"
	"log"

	"github.com/divergelabs/diverge"
	"github.com/divergelabs/diverge/z3"
	"github.com/spf13/cobra"
)

// NewRunCommand returns the "run" command: one-shot divergence
// generation from a single recorded trace.
func NewRunCommand() *cobra.Command {
	var (
		tracePath  string
		configPath string
		cfg        = diverge.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "run --trace <path>",
		Short: "Generate diverging inputs from one recorded trace",
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
			if tracePath == "" {
				return fmt.Errorf("trace file required")
			}
			return runOnce(cmd.Context(), tracePath, cfg)
		},
	}

	cmd.Flags().StringVar(&tracePath, "trace", "", "trace artifact to diverge from")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file")
	bindConfigFlags(cmd, &cfg)
	return cmd
}

func runOnce(ctx context.Context, tracePath string, cfg diverge.Config) error {
	artifact, err := diverge.ReadTraceFile(tracePath)
	if err != nil {
		return err
	}
	log.Printf("trace %s: %d branches, %d variables", tracePath, artifact.Trace.Len(), len(artifact.Vars))

	visited, err := loadVisited(cfg)
	if err != nil {
		return err
	}

	solver := z3.NewSolver(cfg.SolverTimeout())
	defer solver.Close()
	diverger := diverge.NewDiverger(solver, visited)

	writer, err := diverge.NewAnswerWriter(cfg.OutDir, cfg.Format())
	if err != nil {
		return err
	}

	constraints := artifact.Trace.Constraints()
	for _, c := range constraints {
		if c.Symbolic() {
			visited.Resolve(diverge.SitePolarity{Site: c.Site, Outcome: c.Outcome}, diverge.StatusTaken)
		}
	}
	for i, c := range constraints {
		feas, answer, err := diverger.TryDiverge(ctx, diverge.DivergeRequest{
			Vars:   artifact.Vars,
			Seed:   artifact.Seeds,
			Prefix: artifact.Trace.Prefix(i),
			Target: c,
		})
		if feas == diverge.Unknown {
			log.Printf("branch %d: %v", i, err)
			continue
		}
		log.Printf("branch %d: site=%d %s", i, c.Site, feas)
		if feas == diverge.Feasible {
			path, err := writer.Write(answer)
			if err != nil {
				return err
			}
			log.Printf("wrote %s", path)
		}
	}

	if err := saveVisited(cfg, visited); err != nil {
		return err
	}
	fmt.Printf("Generated %d new inputs\n", writer.Count())
	return nil
}

func loadVisited(cfg diverge.Config) (*diverge.VisitedSet, error) {
	if cfg.VisitedPath == "" {
		return diverge.NewVisitedSet(), nil
	}
	return diverge.LoadVisitedSet(cfg.VisitedPath)
}

func saveVisited(cfg diverge.Config, visited *diverge.VisitedSet) error {
	if cfg.VisitedPath == "" {
		return nil
	}
	return visited.Save(cfg.VisitedPath)
}

// bindConfigFlags registers the flags shared by run & search.
func bindConfigFlags(cmd *cobra.Command, cfg *diverge.Config) {
	cmd.Flags().StringVar(&cfg.OutDir, "outdir", cfg.OutDir, "answer output directory")
	cmd.Flags().IntVar(&cfg.SolverTimeoutMS, "solver-timeout", cfg.SolverTimeoutMS, "per-query solver timeout in milliseconds")
	cmd.Flags().StringVar(&cfg.VisitedPath, "visited", cfg.VisitedPath, "visited set persistence file")
	cmd.Flags().StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "answer format (flat, typed)")
}

// mergeFlags overlays file config with any explicitly set flags: flags win.
func mergeFlags(cmd *cobra.Command, cfg *diverge.Config, loaded diverge.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("outdir") {
		cfg.OutDir = loaded.OutDir
	}
	if !set("solver-timeout") {
		cfg.SolverTimeoutMS = loaded.SolverTimeoutMS
	}
	if !set("run-timeout") {
		cfg.RunTimeoutMS = loaded.RunTimeoutMS
	}
	if !set("budget") {
		cfg.Budget = loaded.Budget
	}
	if !set("workers") {
		cfg.Workers = loaded.Workers
	}
	if !set("visited") {
		cfg.VisitedPath = loaded.VisitedPath
	}
	if !set("mode") {
		cfg.SyncMode = loaded.SyncMode
	}
	if !set("format") {
		cfg.OutputFormat = loaded.OutputFormat
	}
}
