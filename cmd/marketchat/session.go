package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"marketchat/internal/domain/auth"
	"marketchat/internal/infra/config"
	"marketchat/internal/infra/db/mongo"
)

var (
	sessionUser  string
	sessionRoles []string
	sessionTTL   string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage bearer sessions in Mongo",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.StorageMode != config.StorageRemote {
			return fmt.Errorf("session issue needs STORAGE_MODE=%s", config.StorageRemote)
		}
		ttl := auth.DefaultTTL
		if sessionTTL != "" {
			if ttl, err = time.ParseDuration(sessionTTL); err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
		}
		roles := make([]auth.Role, 0, len(sessionRoles))
		for _, r := range sessionRoles {
			roles = append(roles, auth.Role(r))
		}
		session, err := auth.NewSession(auth.CreateSessionParams{
			Token:  uuid.NewString(),
			UserID: sessionUser,
			Roles:  roles,
			TTL:    ttl,
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		client, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer client.Close(ctx)
		if err := mongo.NewSessions(client.DB).Save(ctx, session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), session.Token)
		return nil
	},
}

func init() {
	sessionIssueCmd.Flags().StringVar(&sessionUser, "user", "", "user id")
	sessionIssueCmd.Flags().StringSliceVar(&sessionRoles, "role", nil, "roles (member, admin)")
	sessionIssueCmd.Flags().StringVar(&sessionTTL, "ttl", "", "session lifetime, e.g. 12h")
	_ = sessionIssueCmd.MarkFlagRequired("user")
	sessionCmd.AddCommand(sessionIssueCmd)
}
