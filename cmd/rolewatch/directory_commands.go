package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/rolewatch/internal/config"
	"github.com/loykin/rolewatch/internal/store"
	"github.com/loykin/rolewatch/internal/store/factory"
)

// openDirectory opens the configured store for offline seeding. Only
// org_id and the store DSN are needed, so provider credentials may be absent.
func openDirectory(ctx context.Context, configPath string) (store.Store, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("error loading config: %w", err)
	}
	if cfg.OrgID == "" {
		return nil, "", config.ErrMissingOrgID
	}
	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, "", fmt.Errorf("ensure store schema: %w", err)
	}
	return st, cfg.OrgID, nil
}

func withDirectory(cmd *cobra.Command, flags *GlobalFlags, fn func(ctx context.Context, st store.Store, orgID string) error) (err error) {
	ctx := commandContext(cmd)
	st, orgID, err := openDirectory(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()
	return fn(ctx, st, orgID)
}

// createRoleCommand manages roles in the store named by --config.
func createRoleCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage mentionable roles",
	}

	create := &cobra.Command{
		Use:   "create <role>...",
		Short: "Create roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd, flags, func(ctx context.Context, st store.Store, orgID string) error {
				for _, r := range args {
					if err := st.CreateRole(ctx, orgID, r); err != nil {
						return fmt.Errorf("create role %s: %w", r, err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "role %s created\n", r)
				}
				return nil
			})
		},
	}

	assign := &cobra.Command{
		Use:   "assign <role> <user-id>...",
		Short: "Subscribe users to a role",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := args[0]
			return withDirectory(cmd, flags, func(ctx context.Context, st store.Store, orgID string) error {
				for _, u := range args[1:] {
					if err := st.AssignRole(ctx, orgID, u, role); err != nil {
						return fmt.Errorf("assign %s to %s: %w", role, u, err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s subscribed to %s\n", u, role)
				}
				return nil
			})
		},
	}

	count := &cobra.Command{
		Use:   "notifications <role>",
		Short: "Count notifications recorded for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd, flags, func(ctx context.Context, st store.Store, orgID string) error {
				n, err := st.CountNotifications(ctx, orgID, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	cmd.AddCommand(create, assign, count)
	return cmd
}

// createUserCommand manages organization members.
func createUserCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage organization members",
	}

	userFlags := &UserFlags{}
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or update a member",
		Long: `Add or update a member. Only messages from members added with --admin
can trigger role notifications.

Examples:
  rolewatch user add u_123 --username alice --admin
  rolewatch user add u_456 --username bob --role ops --role infra`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withDirectory(cmd, flags, func(ctx context.Context, st store.Store, orgID string) error {
				if err := st.UpsertUser(ctx, orgID, userID, userFlags.Username, userFlags.Admin); err != nil {
					return fmt.Errorf("add user %s: %w", userID, err)
				}
				for _, r := range userFlags.Roles {
					if err := st.AssignRole(ctx, orgID, userID, r); err != nil {
						return fmt.Errorf("assign %s to %s: %w", r, userID, err)
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "user %s saved (admin=%t)\n", userID, userFlags.Admin)
				return nil
			})
		},
	}
	add.Flags().StringVar(&userFlags.Username, "username", "", "display name")
	add.Flags().BoolVar(&userFlags.Admin, "admin", false, "mark the user as a verified admin")
	add.Flags().StringSliceVar(&userFlags.Roles, "role", nil, "subscribe to role (repeatable)")

	cmd.AddCommand(add)
	return cmd
}
