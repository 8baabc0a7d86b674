package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/areumfire/horizon/internal/montecarlo"
	"github.com/areumfire/horizon/internal/scenario"
)

func newMonteCarloCmd() *cobra.Command {
	var (
		iterations int
		baseSeed   int64
		workers    int
		budget     time.Duration
		out        string
	)

	cmd := &cobra.Command{
		Use:     "montecarlo <scenario-file>",
		Aliases: []string{"mc"},
		Short:   "Run a Monte Carlo batch over a scenario",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, cfg, err := scenario.Build(doc)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &montecarlo.Config{}
			}
			if iterations > 0 {
				cfg.Iterations = iterations
			}
			if cfg.Iterations == 0 {
				cfg.Iterations = 1000
			}
			if baseSeed != 0 {
				cfg.BaseSeed = baseSeed
			}
			cfg.Workers = workers
			cfg.WallBudget = budget

			var done atomic.Int64
			cfg.Progress = func(int) {
				if n := done.Add(1); n%1000 == 0 {
					log.Debug().Int64("completed", n).Msg("progress")
				}
			}

			start := time.Now()
			sum, err := montecarlo.Run(context.Background(), plan, *cfg)
			if err != nil {
				return fmt.Errorf("monte carlo: %w", err)
			}
			log.Info().
				Str("runId", sum.RunID).
				Int("iterations", sum.Iterations).
				Float64("successRate", sum.SuccessRate).
				Float64("meanFinal", sum.MeanFinal).
				Float64("stddevFinal", sum.StddevFinal).
				Int("failures", len(sum.Failures)).
				Dur("elapsed", time.Since(start)).
				Msg("batch complete")
			return writeJSON(out, sum)
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 0, "iteration count (overrides scenario)")
	cmd.Flags().Int64Var(&baseSeed, "seed", 0, "base seed (overrides scenario)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel workers (default GOMAXPROCS)")
	cmd.Flags().DurationVar(&budget, "budget", 0, "wall-clock budget (0 = unlimited)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write summary JSON to file (default stdout)")
	return cmd
}
