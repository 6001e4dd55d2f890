package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/webmail/internal/audit"
	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/compose"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/mailbox"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/thread"
	"github.com/fenilsonani/webmail/internal/validation"
)

const cliActor = "cli"

// withBackend opens the configured store for a one-shot command.
func withBackend(ctx context.Context, fn func(b *backend, auditLog *audit.Logger) error) error {
	b, err := openBackend(ctx, logging.Discard())
	if err != nil {
		return err
	}
	defer b.Close()

	auditLog, err := audit.NewLogger(ctx, b.db)
	if err != nil {
		return err
	}
	return fn(b, auditLog)
}

// User management commands
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage webmail users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email> <name> <password>",
	Short: "Add a new user",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		role := auth.RoleUser
		if admin, _ := cmd.Flags().GetBool("admin"); admin {
			role = auth.RoleAdmin
		}
		return withBackend(ctx, func(b *backend, auditLog *audit.Logger) error {
			acct, err := auth.NewAuthenticator(b.docs).Register(ctx, validation.Registration{
				Email:    args[0],
				Name:     args[1],
				Password: args[2],
				Role:     role,
			})
			if err != nil {
				return fmt.Errorf("failed to add user: %w", err)
			}
			if err := auditLog.Log(ctx, cliActor, audit.EventUserCreate, acct.ID, map[string]any{"role": role}, ""); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to write audit event: %v\n", err)
			}
			fmt.Printf("User '%s' added with ID %s\n", acct.Email, acct.ID)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withBackend(ctx, func(b *backend, _ *audit.Logger) error {
			accounts, err := auth.NewAuthenticator(b.docs).ListUsers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE\tCREATED")
			for _, a := range accounts {
				created := ""
				if !a.CreatedAt.IsZero() {
					created = a.CreatedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Email, a.Name, a.Role, created)
			}
			return tw.Flush()
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <email> <new-password>",
	Short: "Change user password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withBackend(ctx, func(b *backend, auditLog *audit.Logger) error {
			authn := auth.NewAuthenticator(b.docs)
			user, err := authn.LookupUser(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user not found: %s", args[0])
			}
			if err := authn.UpdatePassword(ctx, user.ID, args[1]); err != nil {
				return fmt.Errorf("failed to update password: %w", err)
			}
			if err := auditLog.Log(ctx, cliActor, audit.EventPasswordChange, user.ID, nil, ""); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to write audit event: %v\n", err)
			}
			fmt.Printf("Password updated for '%s'\n", user.Email)
			return nil
		})
	},
}

// Mail commands act as the named user.
var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Read and send mail as a user",
}

var mailListCmd = &cobra.Command{
	Use:   "list <email>",
	Short: "List a page of a user's folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("folder")
		search, _ := cmd.Flags().GetString("search")
		index, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")

		folder, err := message.ParseFolder(name)
		if err != nil {
			return err
		}
		if size == 0 {
			size = cfg.Mailbox.DefaultPageSize
		}
		return withBackend(ctx, func(b *backend, _ *audit.Logger) error {
			user, err := message.NewUsers(b.docs).ByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user not found: %s", args[0])
			}
			engine := mailbox.NewEngine(message.NewStore(b.docs, nil), cfg.Mailbox, nil)
			page, err := engine.List(ctx, user, folder, search, size, index)
			if err != nil {
				return err
			}
			printPage(page)
			return nil
		})
	},
}

func printPage(p mailbox.Page) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tFROM\tSUBJECT\tDATE")
	for _, row := range p.Rows {
		flags := ""
		if !row.Read {
			flags += "N"
		}
		if row.Starred {
			flags += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", flags, row.ID, row.SenderName, row.Title, row.SentDate.Format("2006-01-02 15:04"))
	}
	tw.Flush()
	if p.Count == 0 {
		fmt.Printf("%s is empty\n", p.Folder)
		return
	}
	fmt.Printf("Page %d of %d (%d messages)\n", p.Index+1, p.Count, p.Total)
}

var mailShowCmd = &cobra.Command{
	Use:   "show <email> <message-id>",
	Short: "Show a thread without marking it read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withBackend(ctx, func(b *backend, _ *audit.Logger) error {
			users := message.NewUsers(b.docs)
			user, err := users.ByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user not found: %s", args[0])
			}
			t, err := thread.NewResolver(message.NewStore(b.docs, nil), users, nil).Resolve(ctx, args[1])
			if err != nil {
				return err
			}
			if !t.Root().Message.IsActiveFor(user.ID) {
				return fmt.Errorf("%w: %s", thread.ErrNotFound, args[1])
			}
			for i, e := range t.Entries {
				if i > 0 {
					fmt.Println(strings.Repeat("-", 40))
				}
				fmt.Printf("From:    %s\n", e.SenderEmail)
				fmt.Printf("Date:    %s\n", e.Message.SentDate.Format(compose.DateLayout))
				fmt.Printf("Subject: %s\n\n", e.DisplayTitle())
				fmt.Println(e.Message.Content)
			}
			return nil
		})
	},
}

var mailSendCmd = &cobra.Command{
	Use:   "send <from>",
	Short: "Send a new message as a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		to, _ := cmd.Flags().GetStringSlice("to")
		subject, _ := cmd.Flags().GetString("subject")
		body, _ := cmd.Flags().GetString("body")

		return withBackend(ctx, func(b *backend, auditLog *audit.Logger) error {
			users := message.NewUsers(b.docs)
			sender, err := users.ByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user not found: %s", args[0])
			}
			engine := compose.NewEngine(message.NewStore(b.docs, nil), users, cfg.Compose, nil)

			set := compose.NewRecipientSet()
			for _, addr := range to {
				rcpt, err := engine.ResolveEntry(ctx, addr)
				if err != nil {
					return err
				}
				if !rcpt.Resolved() {
					fmt.Fprintf(os.Stderr, "Warning: %s is not a registered user\n", rcpt.Email)
				}
				set.Add(rcpt)
			}

			result, err := engine.Send(ctx, sender, compose.NewDraft{Recipients: set, Subject: subject, Body: body})
			if err != nil {
				return err
			}
			if err := auditLog.Log(ctx, sender.Email, audit.EventMessageSend, result.MessageID, map[string]any{"kind": "new", "via": cliActor}, ""); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to write audit event: %v\n", err)
			}
			fmt.Printf("%s (id %s)\n", result.Notice, result.MessageID)
			return nil
		})
	},
}

func init() {
	userAddCmd.Flags().Bool("admin", false, "grant the admin role")
}
