package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate.Logger
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // 0 migrates up to the newest file
	Force               int
	AutoRollback        bool // force a dirty database back to the version it had before the run
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// folder resolves a relative migration path against the working directory
func (ms *MigrationService) folder() (string, error) {
	path := ms.config.MigrationFolderPath
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve working directory")
		}
		path = filepath.Join(wd, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "migration folder %s does not exist", path)
	}
	return path, nil
}

// MigratePostgres applies the migrations to the database behind db
func (ms *MigrationService) MigratePostgres(db *sqlx.DB, databaseName string) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}
	return ms.Migrate(databaseName, driver)
}

func (ms *MigrationService) Migrate(databaseName string, driver database.Driver) error {
	folder, err := ms.folder()
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return errors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.run(m, folder)
}

func (ms *MigrationService) run(m *migrate.Migrate, folder string) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Error("Failed to get current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	log := ms.logger.WithFields(map[string]any{
		"from_version": before,
		"elapsed":      time.Since(start).String(),
	})

	switch {
	case err == nil:
		after, _, _ := m.Version()
		log.WithField("to_version", after).Info("Applied database migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("Database schema is up to date")
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// the database is ahead of the folder, usually after a deploy rollback
		latest, latestErr := latestVersion(folder)
		if latestErr != nil {
			log.WithError(latestErr).Error("Failed to read migration folder")
			return err
		}
		log.Warnf("No migration file for version %d, forcing the recorded version to %d", before, latest)
		return m.Force(latest)
	}

	return ms.rollbackDirty(m, err, before)
}

// rollbackDirty reverts a dirty version when AutoRollback is set. The migration error is always returned.
func (ms *MigrationService) rollbackDirty(m *migrate.Migrate, migrationErr error, before uint) error {
	version, dirty, err := m.Version()
	log := ms.logger.WithError(migrationErr).WithFields(map[string]any{
		"version": version,
		"dirty":   dirty,
	})
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Error("Migration failed and the current version is unknown")
		return migrationErr
	}
	if !dirty || !ms.config.AutoRollback {
		log.Error("Migration failed")
		return migrationErr
	}

	target := int(before)
	if before == 0 && version > 0 {
		target = int(version) - 1
	}
	log.Warnf("Migration failed, forcing dirty version %d back to %d", version, target)
	if err := m.Force(target); err != nil {
		ms.logger.WithError(err).Errorf("Failed to force database to version %d", target)
		return err
	}
	return migrationErr
}

var upMigration = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// latestVersion returns the highest version among the folder's up migrations
func latestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := upMigration.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files in %s", folder)
	}
	return slices.Max(versions), nil
}
