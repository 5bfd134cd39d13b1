package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/catalog-go/internal/platform/env"
	"github.com/animus-labs/catalog-go/internal/platform/objectstore"
	"github.com/animus-labs/catalog-go/internal/platform/postgres"
	"github.com/animus-labs/catalog-go/internal/regen"
	"github.com/animus-labs/catalog-go/internal/repo/cache"
	repopg "github.com/animus-labs/catalog-go/internal/repo/postgres"
	"github.com/animus-labs/catalog-go/internal/service/catalog"
	storageobjectstore "github.com/animus-labs/catalog-go/internal/storage/objectstore"
)

type app struct {
	db  *sql.DB
	svc *catalog.Service
}

func (a *app) Close() error {
	return a.db.Close()
}

func openDB(ctx context.Context) (*sql.DB, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	return db, nil
}

func openApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := catalog.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid catalog config: %w", err)
	}
	txCfg, err := repopg.TxConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid transaction config: %w", err)
	}
	regenEnabled, err := env.Bool("CATALOG_REGENERATION_ENABLED", true)
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*app, error) {
		_ = db.Close()
		return nil, err
	}

	tx, err := repopg.NewTxRunner(db, txCfg, logger)
	if err != nil {
		return fail(err)
	}
	reader, err := cache.NewEntityStore(repopg.NewEntityStore(db), cfg.CacheSize, logger)
	if err != nil {
		return fail(err)
	}

	var regenerator regen.Regenerator = regen.Noop{}
	if regenEnabled {
		regenerator, err = newRegenerator(ctx, logger)
		if err != nil {
			return fail(err)
		}
	}

	svc, err := catalog.NewService(tx, reader, regenerator, cfg, logger)
	if err != nil {
		return fail(err)
	}
	return &app{db: db, svc: svc}, nil
}

func newRegenerator(ctx context.Context, logger *slog.Logger) (regen.Regenerator, error) {
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid regeneration store config: %w", err)
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("regeneration store client init failed: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
		return nil, fmt.Errorf("regeneration store unavailable: %w", err)
	}
	store, err := storageobjectstore.NewMinioStore(client, storeCfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("artifact regeneration enabled", "bucket", store.Bucket(), "prefix", storeCfg.Prefix)
	return regen.NewObjectStoreRegenerator(store, storeCfg.Prefix, logger)
}
