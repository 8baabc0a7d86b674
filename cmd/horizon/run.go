package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/areumfire/horizon/internal/engine"
	"github.com/areumfire/horizon/internal/scenario"
)

func newRunCmd() *cobra.Command {
	var seed int64
	var out string

	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run one deterministic simulation of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, _, err := scenario.Build(doc)
			if err != nil {
				return err
			}
			res, err := engine.Simulate(plan, seed)
			if err != nil {
				return err
			}
			res.RunID = uuid.NewString()
			log.Info().
				Str("runId", res.RunID).
				Int64("seed", seed).
				Float64("finalNetWorth", res.FinalNW).
				Bool("success", res.Success).
				Int("ledgerEntries", res.LedgerLen).
				Int("warnings", len(res.Warnings)).
				Msg("simulation complete")
			return writeJSON(out, res)
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 1, "rng seed")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write result JSON to file (default stdout)")
	return cmd
}

func writeJSON(path string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	if path == "" {
		_, err = os.Stdout.Write(buf)
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
