package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-sync/internal/auth"
	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/history"
)

var errNotLoggedIn = errors.New("not logged in: run `chatsync login` or pass --email and --password")

func newLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := login(cmd.Context(), e, email, password); err != nil {
				return err
			}
			id, _ := e.session.Identity()
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (id %s)\n", id.Username, id.ID)
			if e.cfg.Session.Store == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "note: session.store is memory, the credential is not kept after exit")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			e.session.Clear()
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newContactsCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List the users you can chat with",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := authenticate(cmd.Context(), e, email, password); err != nil {
				return err
			}
			return printContacts(cmd.Context(), e, cmd.OutOrStdout())
		},
	}
	addCredentialFlags(cmd, &email, &password)
	return cmd
}

// printContacts lists everyone but the local user. A rejected credential is
// cleared, including its stored copy.
func printContacts(ctx context.Context, e *env, out io.Writer) error {
	loader := history.NewLoader(e.cfg.HistoryLoader(), e.session, e.http, e.logger)
	contacts, err := loader.LoadContacts(ctx)
	if err != nil {
		if errors.Is(err, chat.ErrSessionExpired) {
			e.session.Clear()
		}
		return err
	}
	self, _ := e.session.Identity()
	for _, c := range contacts {
		if c.ID == self.ID {
			continue
		}
		fmt.Fprintf(out, "%6s  %s\n", c.ID, c.Username)
	}
	return nil
}

func addCredentialFlags(cmd *cobra.Command, email, password *string) {
	cmd.Flags().StringVar(email, "email", "", "log in first with this email")
	cmd.Flags().StringVar(password, "password", "", "password for --email")
}

// authenticate logs in when credentials are given and otherwise restores the
// stored session.
func authenticate(ctx context.Context, e *env, email, password string) error {
	if email != "" {
		return login(ctx, e, email, password)
	}
	ok, err := e.session.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if !ok {
		return errNotLoggedIn
	}
	return nil
}

func login(ctx context.Context, e *env, email, password string) error {
	client := auth.NewClient(e.cfg.Server.BaseURL, e.http)
	resp, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return e.session.Establish(ctx, resp.User, resp.Credential())
}
