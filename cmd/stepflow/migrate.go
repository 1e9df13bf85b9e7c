package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stepflow-dev/stepflow/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(viper.GetString("database.url"))
		},
	}
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func migrate(dbURL string) error {
	if isPostgresURL(dbURL) {
		db, err := sql.Open("pgx", dbURL)
		if err != nil {
			return fmt.Errorf("failed to open database for migration: %w", err)
		}
		defer db.Close()
		return store.MigratePostgres(db)
	}

	lite, err := store.NewSQLiteStore(dbURL)
	if err != nil {
		return err
	}
	defer lite.Close()
	return store.MigrateSQLite(lite.DB())
}

// openStores picks the execution and idempotency stores for the
// configured database URL.
func openStores(ctx context.Context, dbURL string) (store.ExecutionStore, store.IdempotencyStore, error) {
	if isPostgresURL(dbURL) {
		pg, err := store.NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, store.NewPostgresIdempotencyStore(pg.Pool()), nil
	}

	lite, err := store.NewSQLiteStore(dbURL)
	if err != nil {
		return nil, nil, err
	}
	return lite, store.NewSQLiteIdempotencyStore(lite.DB()), nil
}
