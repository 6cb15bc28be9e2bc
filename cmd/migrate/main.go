package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"torrent_pins/migrations"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the pinsync database schema",
	SilenceUsage: true,
}

func gooseCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()
			return migrations.Command(db, name)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/pins.db"), "path to sqlite database")

	rootCmd.AddCommand(
		gooseCmd("up", "Migrate to the latest version"),
		gooseCmd("up-one", "Migrate one version up"),
		gooseCmd("down", "Roll back one version"),
		gooseCmd("status", "Show migration status"),
		gooseCmd("version", "Show current version"),
		gooseCmd("reset", "Roll back all migrations"),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
