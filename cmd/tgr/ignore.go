package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/daemon"
)

func newIgnoreCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage senders whose messages are never forwarded",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <user-id>",
		Short: "Ignore a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.IgnoreUser(cmd.Context(), args[0]))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "remove <user-id>",
		Aliases: []string{"rm"},
		Short:   "Stop ignoring a sender",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.UnignoreUser(cmd.Context(), args[0]))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List ignored senders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.ListIgnored())
				return nil
			})
		},
	})
	return cmd
}
