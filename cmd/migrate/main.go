package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/storage/sqlstore"
)

func main() {
	var driver string
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&driver, "driver", "", "Database driver: postgres or sqlite (default DATABASE_DRIVER or postgres)")
	flag.StringVar(&databaseURL, "database", "", "Database URL (required)")
	flag.StringVar(&migrationsPath, "path", "", "Migrations directory; the embedded migrations are used when empty")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	// Check for driver and database URL from flags or environment
	if driver == "" {
		driver = os.Getenv("DATABASE_DRIVER")
	}
	if driver == "" {
		driver = sqlstore.DriverPostgres
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("Database URL is required. Use -database flag or DATABASE_URL environment variable")
	}

	m, err := newMigrate(driver, databaseURL, migrationsPath)
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	if err := execute(m, command, flag.Args()); err != nil {
		logger.Fatal("migration failed", "command", command, "error", err)
	}
}

// newMigrate reads migrations from dir, or from the migrations compiled into
// the binary when dir is empty.
func newMigrate(driver, databaseURL, dir string) (*migrate.Migrate, error) {
	url, err := sqlstore.MigrationURL(driver, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connecting to database", "driver", driver)

	if dir != "" {
		logger.Info("using migrations directory", "path", dir)
		return migrate.New("file://"+dir, url)
	}
	src, err := sqlstore.MigrationSource()
	if err != nil {
		return nil, err
	}
	return migrate.NewWithSourceInstance("iofs", src, url)
}

func execute(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		logger.Info("running migrations up")
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to run, database is up to date")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("migrations completed")

	case "down":
		logger.Info("rolling back migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if len(args) < 1 {
			return errors.New("force command requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Info("forced version", "version", version)

	default:
		return fmt.Errorf("unknown command: %s (use: up, down, version, force)", command)
	}
	return nil
}
