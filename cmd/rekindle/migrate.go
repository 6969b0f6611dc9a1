package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/rekindle/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrateUp,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE:  runMigrateVersion,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	d, err := db.Open(context.Background(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	d, err := openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, err := d.Version()
	if err != nil {
		return err
	}
	fmt.Printf("Database migrated to version %d\n", v)
	return nil
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	d, err := openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	v, err := d.Version()
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d\n", v)
	return nil
}
