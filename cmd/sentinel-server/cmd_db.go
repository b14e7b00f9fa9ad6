package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/cache"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		// Open migrates as part of connecting.
		conn, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, Env: cfg.Database.Env})
		if err != nil {
			return err
		}
		defer conn.Close()

		v, err := db.SchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		logging.Info().Str("path", cfg.Database.Path).Int("schema_version", v).Msg("database migrated")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the development roster and known kiosks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Env != "dev" {
			return fmt.Errorf("refusing to seed a %s database", cfg.Database.Env)
		}
		ctx := cmd.Context()

		conn, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, Env: cfg.Database.Env})
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{KnownKiosks: cfg.Scan.KnownKiosks}); err != nil {
			return err
		}
		persons, badges := db.DevRoster()
		logging.Info().
			Int("persons", len(persons)).
			Int("badges", len(badges)).
			Int("kiosks", len(cfg.Scan.KnownKiosks)).
			Msg("dev roster seeded")
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop every cached scan direction (run after restoring the database)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		dc, err := cache.Open(cfg.Cache)
		if err != nil {
			return err
		}
		defer dc.Close()

		if err := dc.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear direction cache: %w", err)
		}
		logging.Info().Str("backend", cfg.Cache.Backend).Msg("direction cache cleared")
		return nil
	},
}
