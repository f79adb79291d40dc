package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/iliyamo/parking-slot-reservation/internal/config"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
)

func newConsumeCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Append slot events from RabbitMQ to the reservations log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadDotEnv()
			logger := config.NewLogger(config.LoadLoggingConfig())
			events := config.LoadEventsConfig()
			if dir == "" {
				dir = events.LogDir
			}
			logger.Info().Str("dir", dir).Msg("consuming slot events")
			err := queue.StartEventConsumer(cmd.Context(), events.URL, dir, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory for "+queue.EventLogFile+" (default EVENT_LOG_DIR)")
	return cmd
}
