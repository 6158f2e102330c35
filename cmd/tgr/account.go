package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/daemon"
	"github.com/zulandar/tgrelay/internal/logging"
	"github.com/zulandar/tgrelay/internal/onboarding"
	"golang.org/x/term"
)

func newAccountCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"acct"},
		Short:   "Manage the watched Telegram accounts",
		Long: "Changes made here are written to the state store. A running relay " +
			"notices them and connects or disconnects accounts accordingly.",
	}
	cmd.AddCommand(newAccountAddCmd(configPath))
	cmd.AddCommand(newAccountListCmd(configPath))
	cmd.AddCommand(newAccountToggleCmd(configPath))
	cmd.AddCommand(newAccountDeleteCmd(configPath))
	cmd.AddCommand(newAccountDiscoverCmd(configPath))
	return cmd
}

func newAccountAddCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add [phone]",
		Short: "Log in to a new account",
		Long:  "Sends a login code to the phone number and asks for it (and the two-step password, if set) on the terminal.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				return runAccountAdd(cmd, app, args)
			})
		},
	}
}

func runAccountAdd(cmd *cobra.Command, app *daemon.App, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	conv, err := onboarding.New(onboarding.Opts{
		Auth: app.Auth,
		Complete: func(ctx context.Context, id string) error {
			added, err := app.Store.AddIdentity(ctx, id, true)
			if err != nil || added {
				return err
			}
			_, err = app.Store.SetEnabled(ctx, id, true)
			return err
		},
		Timeout: app.Config.OnboardingTimeout(),
		Log:     logging.Component(app.Log, logging.CompControl),
	})
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	lines := bufio.NewReader(in)
	var pending []string
	if len(args) == 1 {
		pending = append(pending, args[0])
	} else {
		fmt.Fprintln(out, onboarding.PromptPhone)
	}

	secret := false
	for {
		var input string
		if len(pending) > 0 {
			input, pending = pending[0], pending[1:]
		} else {
			input, err = readInput(in, lines, secret)
			if err != nil {
				conv.Abort(ctx)
				return fmt.Errorf("account add: %w", err)
			}
		}

		reply := conv.Handle(ctx, input)
		fmt.Fprintln(out, reply.Text)
		switch reply.Step {
		case onboarding.StepDone:
			return nil
		case onboarding.StepFailed:
			return errors.New("account add: login failed")
		}
		secret = reply.Secret
	}
}

// readInput reads one line, without echo when secret is set and in is a
// terminal.
func readInput(in io.Reader, lines *bufio.Reader, secret bool) (string, error) {
	if f, ok := in.(*os.File); ok && secret && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := lines.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newAccountListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				accounts := app.Actions.Accounts()
				out := cmd.OutOrStdout()
				if len(accounts) == 0 {
					fmt.Fprintln(out, "No accounts added yet.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tSTATUS\tGROUPS\tADDED")
				for _, acct := range accounts {
					status := "disabled"
					if acct.Enabled {
						status = "enabled"
					}
					added := "-"
					if !acct.AddedAt.IsZero() {
						added = acct.AddedAt.Local().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", acct.ID, status, acct.Groups, added)
				}
				return w.Flush()
			})
		},
	}
}

func newAccountToggleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <account>",
		Short: "Enable or disable an account",
		Long: "Enabling logs the account in once to check its session is still " +
			"authorized; an account that cannot log in stays disabled.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				return runAccountToggle(cmd, app, args[0])
			})
		},
	}
}

func runAccountToggle(cmd *cobra.Command, app *daemon.App, id string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	ident, ok := app.Store.Identity(id)
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	if ident.Enabled {
		if _, err := app.Store.SetEnabled(ctx, id, false); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Account %s disabled\n", id)
		return nil
	}

	// The check connection is closed again; a running relay makes its own.
	msg := app.Actions.Toggle(ctx, id)
	if err := app.Stop(ctx); err != nil {
		app.Log.Warn().Err(err).Str("identity", id).Msg("disconnect after check")
	}
	fmt.Fprintln(out, msg)
	if ident, _ := app.Store.Identity(id); !ident.Enabled {
		return fmt.Errorf("account %s left disabled", id)
	}
	return nil
}

func newAccountDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <account>",
		Aliases: []string{"rm"},
		Short:   "Forget an account and remove its session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), app.Actions.Delete(cmd.Context(), args[0]))
				return nil
			})
		},
	}
}

func newAccountDiscoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Track session files that are not known yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(app *daemon.App) error {
				added, err := app.Controller.DiscoverUntracked(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(added) == 0 {
					fmt.Fprintln(out, "No untracked sessions found.")
					return nil
				}
				fmt.Fprintf(out, "Tracked %d new account(s), disabled: %s\n", len(added), strings.Join(added, ", "))
				return nil
			})
		},
	}
}
