package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/app/outbox"
	"marketchat/internal/infra/backend"
	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/config"
	"marketchat/internal/infra/db/mongo"
	"marketchat/internal/infra/db/scylla"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/obs"
	infraoutbox "marketchat/internal/infra/outbox"
	"marketchat/internal/infra/storage/memory"
	"marketchat/internal/infra/storage/s3"
)

type application struct {
	sessions ginserver.SessionBackend
	memory   *memory.Backend
	worker   *infraoutbox.Worker
	checks   map[string]obs.Check
	closers  []func(context.Context) error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{checks: map[string]obs.Check{}}

	producer, err := buildProducer(cfg, logger)
	if err != nil {
		return nil, err
	}
	if p, ok := producer.(*kafka.Producer); ok {
		app.closers = append(app.closers, func(context.Context) error { return p.Close() })
	}

	var store infraoutbox.Store
	switch cfg.StorageMode {
	case config.StorageRemote:
		box, err := app.buildRemote(ctx, cfg, logger)
		if err != nil {
			app.close(logger)
			return nil, err
		}
		store = box
	default:
		box := memory.NewOutbox()
		app.memory = memory.New(memory.WithEvents(outbox.Publisher{Box: box}))
		app.sessions = app.memory
		store = box
	}

	app.worker = &infraoutbox.Worker{
		Store:       store,
		Producer:    producer,
		Interval:    time.Second,
		TopicPrefix: cfg.KafkaTopicPrefix,
		ID:          "marketchat-" + uuid.NewString(),
		Logger:      logger,
	}
	return app, nil
}

func (app *application) buildRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (*infraoutbox.MongoStore, error) {
	session, err := scylla.NewSession(ctx, cfg, false, logger)
	if err != nil {
		return nil, fmt.Errorf("scylla: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error { session.Close(); return nil })
	threads := scylla.NewStore(session, logger)
	app.checks["scylla"] = threads.Ping

	client, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	app.closers = append(app.closers, client.Close)
	app.checks["mongo"] = client.Ping

	signer, err := s3.NewSigner(cfg.S3Endpoint, cfg.S3PublicEndpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, logger)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	app.checks["s3"] = signer.Ping

	box := infraoutbox.NewMongoStore(client.DB)
	app.sessions = backend.New(backend.Deps{
		Threads:  threads,
		Profiles: mongo.NewProfiles(client.DB),
		Posts:    mongo.NewPosts(client.DB),
		Sessions: mongo.NewSessions(client.DB),
		Signer:   signer,
		Events:   outbox.Publisher{Box: box},
	}, cfg.BackendCallTimeout, logger)
	return box, nil
}

func buildProducer(cfg config.Config, logger *slog.Logger) (infraoutbox.Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, chat events are logged only")
		return infraoutbox.LogProducer{Logger: logger}, nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return producer, nil
}

func (app *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](ctx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	app.closers = nil
}
