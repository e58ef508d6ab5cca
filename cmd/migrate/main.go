package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"ledgerbook.org/internal/config"
	"ledgerbook.org/internal/migrate"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/migrations"
)

var (
	dsn      string
	dir      string
	seedsDir string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply the ledgerbook Postgres schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		return err
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		name, err := m.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Println("rolled back", name)
		return nil
	}),
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo products",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Seed(ctx)
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
		return err
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		history, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range history {
			fmt.Println(name)
		}
		return nil
	}),
}

func withManager(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if dsn == "" {
			return fmt.Errorf("missing DSN: pass --dsn or set %sPG_DSN", config.Prefix)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		return fn(ctx, migrate.NewManager(db, source(dir, migrations.SQL()),
			migrate.WithSeeds(source(seedsDir, migrations.Seeds())),
			migrate.WithLogger(obs.Logger()),
		))
	}
}

// source reads from disk when a directory is given and from the embedded copy otherwise.
func source(path string, embedded fs.FS) fs.FS {
	if path == "" {
		return embedded
	}
	return os.DirFS(path)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv(config.Prefix+"PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", os.Getenv(config.Prefix+"MIGRATIONS_DIR"), "migrations directory (embedded when empty)")
	rootCmd.PersistentFlags().StringVar(&seedsDir, "seeds", "", "seeds directory (embedded when empty)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	rootCmd.AddCommand(upCmd, downCmd, seedCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log := obs.Logger()
		log.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
