package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rehabcare/messaging/internal/config"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/repository"
	"github.com/rehabcare/messaging/internal/startup"
	"github.com/rehabcare/messaging/internal/storage"
	badgerstore "github.com/rehabcare/messaging/internal/storage/badger"
	"github.com/rehabcare/messaging/internal/storage/memory"
	"github.com/rehabcare/messaging/migrations"
)

// openStore выбирает бэкенд по STORAGE_DRIVER. Для postgres применяет миграции.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := startup.ConnectDBWithRetry(ctx, cfg.DatabaseURL, cfg.DBMaxConnections, 60*time.Second)
		if err != nil {
			return nil, err
		}
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database connected, migrations applied")
		return repository.NewStore(pool), nil
	case config.DriverBadger:
		if err := os.MkdirAll(cfg.BadgerPath, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		db, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverMemory:
		logger.Warnf("storage: in-memory, data is lost on restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// openPresence: Redis при заданном REDIS_URL, иначе зеркало в памяти процесса.
func openPresence(ctx context.Context, cfg *config.Config) (storage.PresenceStore, error) {
	if cfg.RedisURL == "" {
		logger.Info("presence: in-memory mirror")
		return memory.NewPresence(), nil
	}
	client, err := startup.ConnectRedisWithRetry(ctx, cfg.RedisURL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	// После рестарта процесса никто не подключён.
	resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.ResetOnline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	return client, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := fs.ReadFile(migrations.Files, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", f, err)
		}
	}
	logger.Infof("migrations applied: %d", len(files))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "rehab"
		password = "rehab_secret"
		database = "rehab_messaging"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.StorageDriver = config.DriverPostgres
	cfg.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
