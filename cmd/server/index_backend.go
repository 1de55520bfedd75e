package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"frontpage.dev/internal/config"
	"frontpage.dev/internal/persistence/indexdb"
)

func openRuntimeIndex(ctx context.Context, cfg config.Config, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	switch cfg.Index.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(cfg.DataDir, "index", "feed.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		logger.Printf("index backend: sqlite path=%s", dbPath)
		return idx, nil
	case "postgres":
		ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		idx, err := indexdb.OpenPostgres(ctx2, indexdb.PostgresConfig{
			DSN:           cfg.Index.DSN,
			MaxConns:      cfg.Index.MaxConns,
			BatchSize:     cfg.Index.BatchSize,
			FlushInterval: cfg.Index.FlushInterval(),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Printf("index backend: postgres batch=%d flush=%s", cfg.Index.BatchSize, cfg.Index.FlushInterval())
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}
