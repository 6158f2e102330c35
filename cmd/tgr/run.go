package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/daemon"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon",
		Long:  "Connects the output channel and every enabled account, forwards keyword matches and serves the operator controls until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, closeApp, err := openApp(ctx, *configPath, daemon.Deps{})
			if err != nil {
				return err
			}
			defer closeApp()
			return app.Run(ctx)
		},
	}
}
