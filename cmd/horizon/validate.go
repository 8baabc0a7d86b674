package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/areumfire/horizon/internal/engine"
	"github.com/areumfire/horizon/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	var canonical bool

	cmd := &cobra.Command{
		Use:   "validate <scenario-file>",
		Short: "Check a scenario for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			_, _, err = scenario.Build(doc)
			if err != nil {
				var cfgErr *engine.ConfigError
				if errors.As(err, &cfgErr) {
					for _, p := range cfgErr.Problems {
						log.Error().Msg(p)
					}
					return fmt.Errorf("%d problems found", len(cfgErr.Problems))
				}
				return err
			}
			log.Info().Msg("scenario is valid")
			if canonical {
				buf, err := scenario.Write(doc)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(buf)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&canonical, "canonical", false, "print the canonical serialization on success")
	return cmd
}
