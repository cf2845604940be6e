package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies the embedded goose migrations with the given
// command (up, down, status, redo).
func RunMigrations(ctx context.Context, dsn string, command string) error {
	migrationCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sql open: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	slog.Info("running migrations", "command", command)

	if err := goose.RunContext(migrationCtx, command, db, "migrations"); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	return nil
}
