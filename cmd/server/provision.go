package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/parking-slot-reservation/internal/config"
	"github.com/iliyamo/parking-slot-reservation/internal/provision"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

func newProvisionCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the slots listed in a lot file; existing slots keep their state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvision(cmd.Context(), file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "lot.yaml", "lot file to provision")
	return cmd
}

func runProvision(ctx context.Context, file string) error {
	config.LoadDotEnv()
	logger := config.NewLogger(config.LoadLoggingConfig())

	lot, err := provision.LoadFile(file)
	if err != nil {
		return err
	}
	rdb, err := config.NewRedisClient(config.LoadRedisConfig())
	if err != nil {
		return err
	}
	store := repository.NewRedisSlotStore(rdb, config.LoadSlotKeyPrefix(), logger)
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	created, err := provision.Apply(ctx, store, lot)
	if err != nil {
		return err
	}
	logger.Info().Str("file", file).Int("slots", len(lot.Slots)).Int("created", created).Msg("lot provisioned")
	return nil
}
