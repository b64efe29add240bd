package database

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pkgerrors "github.com/pkg/errors"

	"github.com/mbolis/regional-survey/log"
)

//go:embed migrations
var dbMigrations embed.FS

// migrateDB applies the embedded migrations. A schema left dirty by a failed
// migration is refused rather than patched over.
func migrateDB(db *sql.DB) error {
	src, err := iofs.New(dbMigrations, "migrations")
	if err != nil {
		return pkgerrors.Wrap(err, "migrate.source")
	}

	dst, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return pkgerrors.Wrap(err, "migrate.target")
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "sqlite3", dst)
	if err != nil {
		return pkgerrors.Wrap(err, "migrate.init")
	}

	if version, dirty, err := migrator.Version(); err == nil && dirty {
		return pkgerrors.Errorf("migrate: schema is dirty at version %d", version)
	}

	err = migrator.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("migrate: schema up to date")
	case err != nil:
		return pkgerrors.Wrap(err, "migrate.up")
	default:
		version, _, _ := migrator.Version()
		log.Infof("migrate: schema at version %d", version)
	}
	return nil
}
