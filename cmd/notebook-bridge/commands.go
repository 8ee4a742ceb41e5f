package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/notebook-bridge/pkg/notebook"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// withApp runs fn against a freshly wired app and tears it down afterwards.
func withApp(ctx context.Context, flags *globalFlags, withBrowser bool, fn func(*app) error) error {
	a, err := newApp(flags, withBrowser)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()
	return fn(a)
}

// progressPrinter reports progress on stderr so stdout stays parseable.
func progressPrinter(w io.Writer) notebook.ProgressFunc {
	return func(message string, step, total int) {
		fmt.Fprintf(w, "[%d/%d] %s\n", step, total, message)
	}
}

// explain prints the remediation hint of typed errors.
func explain(w io.Writer, err error) error {
	if hint := types.HintOf(err); hint != "" {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
	return err
}

func optionalBool(cmd *cobra.Command, name string, value bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func newAskCmd(flags *globalFlags) *cobra.Command {
	var (
		notebookRef string
		show        bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a notebook one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, true, func(a *app) error {
				res, err := a.service.Interact(cmd.Context(), notebook.InteractRequest{
					Question:    strings.Join(args, " "),
					NotebookRef: notebookRef,
					ShowBrowser: optionalBool(cmd, "show", show),
					Progress:    progressPrinter(cmd.ErrOrStderr()),
				})
				if err != nil {
					return explain(cmd.ErrOrStderr(), err)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notebookRef, "notebook", "", "Notebook URL or configured notebook name")
	cmd.Flags().BoolVar(&show, "show", false, "Show the browser window")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

func newSetupAuthCmd(flags *globalFlags) *cobra.Command {
	var (
		profileID string
		headless  bool
	)

	cmd := &cobra.Command{
		Use:   "setup-auth",
		Short: "Open a browser window and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, true, func(a *app) error {
				req := notebook.AuthRequest{
					ProfileID: profileID,
					Progress:  progressPrinter(cmd.ErrOrStderr()),
				}
				if headless {
					show := false
					req.ShowBrowser = &show
				}
				res, err := a.service.SetupAuth(cmd.Context(), req)
				if err != nil {
					return explain(cmd.ErrOrStderr(), err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "Profile to log in (default: the base profile)")
	cmd.Flags().BoolVar(&headless, "headless", false, "Run the login without a window")
	return cmd
}

func newReAuthCmd(flags *globalFlags) *cobra.Command {
	var (
		profileID string
		account   string
	)

	cmd := &cobra.Command{
		Use:   "re-auth",
		Short: "Discard the saved login and log in again, optionally as another account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, true, func(a *app) error {
				req := notebook.AuthRequest{
					ProfileID:   profileID,
					AccountHint: account,
					Progress:    progressPrinter(cmd.ErrOrStderr()),
				}
				var (
					res notebook.AuthResult
					err error
				)
				if account != "" {
					res, err = a.service.SwitchAccount(cmd.Context(), req)
				} else {
					res, err = a.service.ReAuth(cmd.Context(), req)
				}
				if err != nil {
					return explain(cmd.ErrOrStderr(), err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "Profile to log in again (default: the base profile)")
	cmd.Flags().StringVar(&account, "account", "", "Label of the account to switch to")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print authentication state and settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, false, func(a *app) error {
				return printJSON(cmd.OutOrStdout(), a.service.Health())
			})
		},
	}
}

func newCleanupCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and surplus isolated browser profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, false, func(a *app) error {
				report, err := a.cleaner(dryRun).Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be deleted")
	return cmd
}
