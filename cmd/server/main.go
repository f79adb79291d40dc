package main // Entry point package

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "parking",
		Short:         "Parking slot availability and reservation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newProvisionCmd(), newConsumeCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("command failed") // Log and exit if the command fails
	}
}
