package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trellis-authz/trellis/internal/config"
	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/internal/server"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/pkg/authz"
)

const entrypoint = "server"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	opts := server.Options{
		Engine: cfg.Engine,
		Logger: logger,
	}

	if cfg.AllowlistPath != "" {
		allowlist, err := routing.LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return err
		}
		classifier, err := routing.NewClassifier(allowlist, entrypoint)
		if err != nil {
			return err
		}
		opts.Classifier = classifier
	}

	if cfg.Authz.ModelPath != "" {
		mode, err := authz.ModeFromEnv()
		if err != nil {
			return err
		}
		a, err := authz.NewAuthorizer(cfg.Authz.ModelPath, cfg.Authz.PolicyPath, mode)
		if err != nil {
			return err
		}
		logger.Info("admin authz enabled", "mode", mode)
		opts.Authorizer = a
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.NewTupleStore = func(storeID string) (storage.TupleStore, error) {
			st := storage.NewPGStore(pool, storeID)
			if err := st.EnsureSchema(context.Background()); err != nil {
				return nil, err
			}
			return st, nil
		}
		logger.Info("tuple storage", "backend", "postgres")
	} else {
		logger.Info("tuple storage", "backend", "memory")
	}

	logger.Info("listening", "addr", cfg.HTTPAddr)
	return http.ListenAndServe(cfg.HTTPAddr, server.NewMux(opts))
}
