package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"PeachCredit/internal/config"
	"PeachCredit/internal/db"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/store"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory of ordered .sql files")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		panic("config load failed: " + err.Error())
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	if cfg.DB.Driver == "sqlite" {
		st, err := store.OpenSQLiteDSN(cfg.DB.DSN)
		if err != nil {
			log.Fatal("sqlite migrate failed", zap.Error(err))
		}
		st.Close()
		log.Info("sqlite schema up to date", zap.Int("statements", len(store.SQLiteMigrations())))
		return
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		log.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		log.Fatal("list migrations failed", zap.Error(err))
	}

	for _, file := range files {
		name := filepath.Base(file)
		applied, err := isApplied(ctx, pool, name)
		if err != nil {
			log.Fatal("check migration failed", zap.String("file", name), zap.Error(err))
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, pool, file, name); err != nil {
			log.Fatal("apply migration failed", zap.String("file", name), zap.Error(err))
		}
		log.Info("applied migration", zap.String("file", name))
	}
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists)
	return exists, err
}

// applyMigration runs the file and records it in one transaction.
func applyMigration(ctx context.Context, pool *db.Pool, file, name string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
		return err
	})
}
