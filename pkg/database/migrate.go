package database

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrate applies every pending goose migration found in fsys.
func Migrate(ctx context.Context, db *sqlx.DB, fsys fs.FS, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, result := range results {
		logger.Info("migration applied",
			zap.Int64("version", result.Source.Version),
			zap.String("path", result.Source.Path),
			zap.Duration("duration", result.Duration),
		)
	}
	if len(results) == 0 {
		logger.Debug("schema up to date")
	}
	return nil
}
