package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"servicedesk/api/internal/app"
	"servicedesk/api/internal/cleanup"
	"servicedesk/api/internal/config"
	"servicedesk/api/internal/email"
	"servicedesk/api/internal/fetch"
	"servicedesk/api/internal/hints"
	"servicedesk/api/internal/objectstore"
	"servicedesk/api/internal/store"
	"servicedesk/api/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "servicedesk-api", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "err", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	// Header timeout only: the body is streamed for as long as the client reads.
	storageClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.FetchTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
	provider, err := objectstore.New(cfg.Storage, storageClient)
	if err != nil {
		return err
	}

	fetchOpts := []fetch.Option{fetch.WithLogger(logger.With("component", "fetch"))}
	cleanupOpts := []cleanup.Option{}
	var hintStore *hints.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		hintStore, err = hints.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer hintStore.Close()
		logger.Info("location hints enabled")
		fetchOpts = append(fetchOpts, fetch.WithHints(hintStore))
		cleanupOpts = append(cleanupOpts, cleanup.WithForgetter(hintStore))
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	}, logger)
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured; review notifications disabled")
	}

	service := app.New(cfg, dataStore, app.Dependencies{
		Provider: provider,
		Fetcher:  fetch.New(storageClient, fetchOpts...),
		Mailer:   mailer,
		Cleaner:  cleanup.New(provider, logger, cleanupOpts...),
		Hints:    hintStore,
		Logger:   logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("servicedesk api listening", "addr", cfg.Addr, "storage_backend", cfg.Storage.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}
