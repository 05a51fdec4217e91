package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

type MigrationConfig struct {
	FolderPath string
	// Version pins the target version; zero migrates to the latest.
	Version uint
	// Force marks the schema clean at this version before migrating.
	Force int
	// AutoRollback forces a dirty schema back to the previous version after a failure.
	AutoRollback bool
}

type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return false }

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type Migrator struct {
	config MigrationConfig
	logger ectologger.Logger
}

func NewMigrator(logger ectologger.Logger, config MigrationConfig) *Migrator {
	return &Migrator{config: config, logger: logger}
}

func (m *Migrator) folder() (string, error) {
	folder := m.config.FolderPath
	if !filepath.IsAbs(folder) {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve working directory")
		}
		folder = filepath.Join(wd, folder)
	}
	if _, err := os.Stat(folder); err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", folder))
	}
	return folder, nil
}

// Up applies the migrations in the configured folder to db.
func (m *Migrator) Up(db DB, databaseName string) error {
	folder, err := m.folder()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db.SQL(), &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}

	mig, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}
	mig.Log = migrationLogger{Logger: m.logger}

	if m.config.Force != 0 {
		if err := mig.Force(m.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force database to version %d", m.config.Force)
		}
	}

	previous, _, verErr := mig.Version()
	if verErr != nil && verErr != migrate.ErrNilVersion {
		return errors.Wrap(verErr, "failed to read migration version")
	}

	start := time.Now()
	if m.config.Version != 0 {
		err = mig.Migrate(m.config.Version)
	} else {
		err = mig.Up()
	}

	switch {
	case err == nil:
		m.logger.Infof("database migrations applied in %v", time.Since(start))
		return nil
	case err == migrate.ErrNoChange:
		m.logger.Info("no new migrations to apply")
		return nil
	}

	m.logger.WithError(err).Error("migration failed")
	version, dirty, _ := mig.Version()
	if dirty && m.config.AutoRollback {
		target := int(previous)
		if verErr == migrate.ErrNilVersion {
			target = -1
		}
		m.logger.Warnf("database is dirty at version %d, forcing back to %d", version, target)
		if forceErr := mig.Force(target); forceErr != nil {
			return errors.Wrapf(forceErr, "failed to force database to version %d", target)
		}
	}
	return errors.Wrap(err, "failed to apply migrations")
}
