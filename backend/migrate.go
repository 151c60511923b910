package backend

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/mysql/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// runMigrations brings the kv_store schema up to date.
func runMigrations(db *sqlx.DB, dialect string) error {
	source, err := iofs.New(migrationFiles, "migrations/"+dialect)
	if err != nil {
		return err
	}
	defer source.Close()

	var driver database.Driver
	switch dialect {
	case dialectMySQL:
		driver, err = migratemysql.WithInstance(db.DB, &migratemysql.Config{})
	case dialectPostgres:
		driver, err = migratepostgres.WithInstance(db.DB, &migratepostgres.Config{})
	default:
		return fmt.Errorf("%w: migrations for %s", ErrNotImplemented, dialect)
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return err
	}

	log.Infof("Starting migration (%s)", dialect)
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	log.Infof("Migration complete, schema version %d (dirty=%t)", version, dirty)
	return nil
}
