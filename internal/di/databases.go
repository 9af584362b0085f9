// Package di provides dependency injection for database connections.
package di

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/config"
	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// InitializeDatabase opens gsl.db with the ledger profile and applies the schema.
// Commitments and decisions live here, so the safest profile is used.
func InitializeDatabase(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "gsl",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gsl database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate gsl database: %w", err)
	}

	log.Info().Str("path", db.Path()).Msg("Database initialized")

	return &Container{DB: db}, nil
}

// SeedTerritories loads the territory seed file, if configured, and applies it
// in a single transaction. Re-applying the same seed is a no-op.
func SeedTerritories(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if cfg.TerritorySeedFile == "" {
		return nil
	}

	f, err := os.Open(cfg.TerritorySeedFile)
	if err != nil {
		return fmt.Errorf("failed to open territory seed: %w", err)
	}
	defer f.Close()

	seed, err := territory.LoadSeed(f)
	if err != nil {
		return fmt.Errorf("failed to load territory seed: %w", err)
	}

	var scopes int
	err = database.WithTransaction(ctx, container.DB.Conn(), func(tx *sql.Tx) error {
		n, err := container.TerritoryRepo.WithTx(tx).ApplySeed(ctx, seed)
		scopes = n
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply territory seed: %w", err)
	}

	log.Info().
		Str("file", cfg.TerritorySeedFile).
		Int("scopes", scopes).
		Msg("Territory seed applied")
	return nil
}
