package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketchat/internal/infra/config"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/obs"
)

var seedFile string

const sessionSweepInterval = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat HTTP API and the event relay",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "JSON fixtures for memory storage")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := obs.NewLogger(cfg.Env, obs.LoggerOptions{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	if seedFile != "" {
		if err := app.loadSeed(seedFile, logger); err != nil {
			logger.Warn("seed load failed", "error", err, "path", seedFile)
		}
	}

	hub := ginserver.NewSessionHub(app.sessions, ginserver.ConversationConfig(cfg), logger)
	defer hub.Close()

	auth := ginserver.AuthMiddleware{Sessions: app.sessions, Logger: logger, OnRejected: hub.Drop}
	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Checks:  app.checks,
		Timeout: 2 * time.Second,
	}, ginserver.Handlers{
		Chat:           ginserver.ChatHandler{Hub: hub, Logger: logger},
		AuthMiddleware: auth.Handle,
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return app.worker.Run(gctx)
	})
	grp.Go(func() error {
		return hub.RunSweeper(gctx, sessionSweepInterval)
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "storage", cfg.StorageMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if err := grp.Wait(); err != nil {
		logger.Error("service stopped with error", "error", err)
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
