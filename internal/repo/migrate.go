package repo

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Migrate applies every pending migration under schema/ to databaseURL.
// A no-op migration set (nothing pending) is not an error.
func Migrate(databaseURL string) error {
	source, err := iofs.New(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("repo: loading embedded schema: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("repo: constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("repo: applying migrations: %w", err)
	}
	return nil
}
