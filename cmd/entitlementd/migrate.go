package main

import (
	"context"
	"errors"
	"os"

	migrations "github.com/PaulFidika/entitlekit/migrations/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateWithRiver bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (DATABASE_URL)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return errors.New("DATABASE_URL is not set")
		}
		ctx := cmd.Context()
		group, err := migrations.Up(ctx, dsn)
		if err != nil {
			return err
		}
		if group.IsZero() {
			logrus.Info("entitlement schema up to date")
		} else {
			logrus.WithField("group", group.String()).Info("entitlement schema migrated")
		}
		if migrateWithRiver {
			return migrateRiver(ctx, dsn)
		}
		return nil
	},
}

func migrateRiver(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return err
	}
	for _, v := range res.Versions {
		logrus.WithField("version", v.Version).Info("river migration applied")
	}
	return nil
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateWithRiver, "river", true, "also apply River job queue migrations")
}
