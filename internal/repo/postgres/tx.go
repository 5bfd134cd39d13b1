package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/catalog-go/internal/platform/env"
	"github.com/animus-labs/catalog-go/internal/repo"
)

type TxConfig struct {
	Isolation  sql.IsolationLevel
	MaxRetries int
	RetryDelay time.Duration
}

func TxConfigFromEnv() (TxConfig, error) {
	isolation, err := ParseIsolation(env.String("CATALOG_TX_ISOLATION", "read-committed"))
	if err != nil {
		return TxConfig{}, err
	}
	retries, err := env.Int("CATALOG_TX_MAX_RETRIES", 3)
	if err != nil {
		return TxConfig{}, err
	}
	delay, err := env.Duration("CATALOG_TX_RETRY_DELAY", 50*time.Millisecond)
	if err != nil {
		return TxConfig{}, err
	}
	cfg := TxConfig{Isolation: isolation, MaxRetries: retries, RetryDelay: delay}
	if err := cfg.Validate(); err != nil {
		return TxConfig{}, err
	}
	return cfg, nil
}

func (c TxConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("CATALOG_TX_MAX_RETRIES must be >= 0")
	}
	if c.RetryDelay < 0 {
		return errors.New("CATALOG_TX_RETRY_DELAY must be >= 0")
	}
	return nil
}

func ParseIsolation(value string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "read-committed":
		return sql.LevelReadCommitted, nil
	case "repeatable-read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unsupported isolation level %q", value)
	}
}

// TxRunner binds entity and audit stores to one database transaction and
// retries serialization failures.
type TxRunner struct {
	db     *sql.DB
	cfg    TxConfig
	logger *slog.Logger
}

func NewTxRunner(db *sql.DB, cfg TxConfig, logger *slog.Logger) (*TxRunner, error) {
	if db == nil {
		return nil, errors.New("sql db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TxRunner{db: db, cfg: cfg, logger: logger}, nil
}

func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context, stores repo.Stores) error) error {
	if r == nil || r.db == nil {
		return errors.New("tx runner not initialized")
	}
	return withRetry(ctx, r.cfg, r.logger, func() error {
		return r.runOnce(ctx, fn)
	})
}

// withRetry runs attempt until it succeeds, fails with a non-retryable error
// or exhausts cfg.MaxRetries, backing off linearly between attempts.
func withRetry(ctx context.Context, cfg TxConfig, logger *slog.Logger, attempt func() error) error {
	var err error
	for n := 0; n <= cfg.MaxRetries; n++ {
		if n > 0 {
			logger.Warn("retrying catalog transaction", "attempt", n, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.RetryDelay * time.Duration(n)):
			}
		}
		err = attempt()
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", cfg.MaxRetries+1, err)
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(ctx context.Context, stores repo.Stores) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: r.cfg.Isolation})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stores := repo.Stores{
		Entities: NewEntityStore(tx),
		Audit:    NewAuditAppender(tx),
	}
	if err := fn(ctx, stores); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
