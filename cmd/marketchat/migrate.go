package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketchat/internal/infra/config"
	"marketchat/internal/infra/db/mongo"
	"marketchat/internal/infra/db/scylla"
	"marketchat/internal/infra/obs"
	infraoutbox "marketchat/internal/infra/outbox"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Scylla keyspace and tables and the Mongo indexes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.StorageMode != config.StorageRemote {
			return fmt.Errorf("migrate needs STORAGE_MODE=%s", config.StorageRemote)
		}
		logger, closeLog, err := obs.NewLogger(cfg.Env, obs.LoggerOptions{Level: cfg.LogLevel, File: cfg.LogFile})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer closeLog()
		ctx := cmd.Context()

		session, err := scylla.NewSession(ctx, cfg, true, logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		session.Close()

		client, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer client.Close(ctx)
		if err := client.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		if err := infraoutbox.NewMongoStore(client.DB).EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("outbox indexes: %w", err)
		}
		logger.Info("migration complete", "keyspace", cfg.ScyllaKeyspace, "mongo_db", cfg.MongoDB)
		return nil
	},
}
