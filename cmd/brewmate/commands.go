package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/brewmate-auth/internal/app"
	"github.com/jrsteele09/brewmate-auth/internal/config"
	"github.com/jrsteele09/brewmate-auth/server"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/jrsteele09/brewmate-auth/storage/filestore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const deliverTimeout = 5 * time.Second

var quiet bool

func rootCmd(c config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brewmate",
		Short:         "Brewmate sign in",
		Long:          "Signs in to Brewmate with Google or Kakao and manages the stored session.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if !quiet {
				displayAppname(c.GetAppName())
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print the banner")

	cmd.AddCommand(
		loginCmd(c),
		logoutCmd(c),
		statusCmd(c),
		refreshCmd(c),
		deliverCmd(c),
		keygenCmd(),
	)
	return cmd
}

// withApp starts the app for the duration of fn.
func withApp(ctx context.Context, c config.Config, fn func(a *app.App) error, options ...app.Option) error {
	a, err := app.New(c, options...)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Err(err).Msg("shutdown failed")
		}
	}()
	return fn(a)
}

func loginCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Sign in through the provider's consent screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), c, func(a *app.App) error {
				if a.Store.State().IsAuthenticated {
					printState(cmd.OutOrStdout(), a.Store.State())
					return nil
				}

				err := a.Store.SignIn(cmd.Context(), args[0])
				if session.IsCancelled(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "Sign in cancelled.")
					return nil
				}
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), a.Store.State())
				return nil
			})
		},
	}
}

func logoutCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), c, func(a *app.App) error {
				a.Store.SignOut(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			}, app.WithoutCallbackServer())
		},
	}
}

func statusCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who is signed in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), c, func(a *app.App) error {
				printState(cmd.OutOrStdout(), a.Store.State())
				return nil
			}, app.WithoutCallbackServer())
		},
	}
}

func refreshCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the session, renewing expired tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), c, func(a *app.App) error {
				a.Store.Refresh(cmd.Context())
				printState(cmd.OutOrStdout(), a.Store.State())
				return nil
			}, app.WithoutCallbackServer())
		},
	}
}

// deliverCmd hands a custom scheme redirect the OS gave to this process over to the
// instance waiting in "login".
func deliverCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <url>",
		Short: "Pass an auth redirect to the running sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), deliverTimeout)
			defer cancel()
			return deliver(ctx, "http://"+c.GetCallbackAddr()+server.RouteAuthDeliver, args[0])
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new SESSION_KEY for the file session store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := filestore.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func deliver(ctx context.Context, endpoint, raw string) error {
	form := url.Values{"url": {raw}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("no sign in is waiting: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("redirect rejected: %s", resp.Status)
	}
	return nil
}

func printState(w io.Writer, st session.State) {
	if !st.IsAuthenticated {
		fmt.Fprintln(w, "Not signed in.")
		return
	}
	name := st.User.Name
	if name == "" {
		name = st.User.Email
	}
	fmt.Fprintf(w, "Signed in as %s (%s) with %s\n", name, st.User.Email, st.Session.Provider)
	fmt.Fprintf(w, "Access token expires %s\n", st.Session.ExpiresAt.Local().Format(time.RFC1123))
}
