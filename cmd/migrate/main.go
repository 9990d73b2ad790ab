package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/repository/postgres"
)

// Applies every migrations/*.sql file in name order, each in its own
// transaction. Files are written to be re-runnable.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	listOnly := flag.Bool("list", false, "list existing tables and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *listOnly {
		if err := listTables(ctx, db); err != nil {
			logger.Error("list tables", "error", err)
			os.Exit(1)
		}
		return
	}

	files, err := migrationFiles(*dir)
	if err != nil {
		logger.Error("read migrations", "dir", *dir, "error", err)
		os.Exit(1)
	}

	var okCount, errCount int
	for _, f := range files {
		if err := apply(ctx, db, f); err != nil {
			logger.Error("migration failed", "file", filepath.Base(f), "error", err)
			errCount++
			continue
		}
		logger.Info("migration applied", "file", filepath.Base(f))
		okCount++
	}
	logger.Info("migrations complete", "ok", okCount, "errors", errCount)
	if errCount > 0 {
		os.Exit(1)
	}
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func apply(ctx context.Context, db *sql.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		return err
	}
	return tx.Commit()
}

func listTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	return rows.Err()
}
