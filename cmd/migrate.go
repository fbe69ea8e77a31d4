package cmd

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
)

var (
	migrateCmd = &cobra.Command{
		RunE:  runMigration,
		Use:   "migrate",
		Short: "to run db migration files under db/migrations directory",
	}
	migrateRollback bool
	migrateDir      string
)

func init() {
	migrateCmd.Flags().BoolVarP(&migrateRollback, "rollback", "r", false, "to rollback the latest version of sql migration")
	migrateCmd.PersistentFlags().StringVarP(&migrateDir, "dir", "d", "db/migrations", "sql migrations directory")
}

func runMigration(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	if err := cfg.Database.Validate(cfg.Storage.Driver); err != nil {
		return err
	}
	lg := initLogger(cfg)

	if cfg.Storage.Driver == "postgrest" {
		lg.Info("record store schema is managed by the hosted platform, nothing to migrate")
		return nil
	}

	// mysql has no goose migrations, let gorm create the table
	if cfg.Database.Driver == "mysql" {
		db, err := initDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		gdb, err := openGorm(db, cfg.Database.Driver)
		if err != nil {
			return err
		}
		if migrateRollback {
			return gdb.WithContext(ctx).Migrator().DropTable(&transaction.Transaction{})
		}
		return gdb.WithContext(ctx).AutoMigrate(&transaction.Transaction{})
	}

	db, err := goose.OpenDBWithDriver("pgx", cfg.Database.Source)
	if err != nil {
		return fmt.Errorf("goose: failed to open DB: %w", err)
	}
	defer db.Close()
	goose.SetTableName("schema_migrations")

	command := "up"
	if migrateRollback {
		command = "down"
	}
	if err := goose.RunContext(ctx, command, db, migrateDir); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	lg.Info("migrations applied", "command", command, "dir", migrateDir)
	return nil
}
