package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/daemon"
)

func newKeywordCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyword",
		Aliases: []string{"kw"},
		Short:   "Manage the keywords that trigger a forward",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <keyword>",
		Short: "Add a keyword",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.AddKeyword(cmd.Context(), strings.Join(args, " ")))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "remove <keyword>",
		Aliases: []string{"rm"},
		Short:   "Remove a keyword",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.RemoveKeyword(cmd.Context(), strings.Join(args, " ")))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.ListKeywords())
				return nil
			})
		},
	})
	return cmd
}
