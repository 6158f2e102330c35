package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/daemon"
)

func newGroupsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Group discovery",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Scan every enabled account for its groups",
		Long: "Connects every enabled account, records the groups each one belongs to and disconnects again. " +
			"Do not run this while the relay daemon is running; use \"!relay groups\" there instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				return runGroupsUpdate(cmd, app)
			})
		},
	})
	return cmd
}

func runGroupsUpdate(cmd *cobra.Command, app *daemon.App) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	out := cmd.OutOrStdout()

	if err := app.Adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect output: %w", err)
	}
	defer app.Adapter.Close()

	report, err := app.Start(ctx)
	defer app.Stop(context.Background())
	if err != nil {
		return err
	}
	for id, ferr := range report.Failed {
		fmt.Fprintf(out, "❌ %s: %v\n", id, ferr)
	}

	fmt.Fprintln(out, app.Actions.UpdateGroups(ctx, func(line string) {
		fmt.Fprintln(out, line)
	}))
	return nil
}
