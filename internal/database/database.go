// Package database resolves connection strings and prepares the storycoins schema.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names the SQL backend behind a DSN.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"

	defaultSQLiteFile  = "storycoins.db"
	sqliteMemoryPath   = ":memory:"
	migrationsDir      = "migrations"
	migrationsSource   = "iofs"
	sqliteBusyPragma   = "_pragma=busy_timeout(5000)"
	sqliteForeignKeys  = "_pragma=foreign_keys(1)"
	postgresScheme     = "postgres://"
	postgresqlScheme   = "postgresql://"
	sqliteScheme       = "sqlite://"
	sqliteMaxOpenConns = 1
)

var (
	// ErrEmptyDSN indicates a missing connection string.
	ErrEmptyDSN = errors.New("database: empty dsn")
	// ErrUnsupportedDriver indicates an operation that needs a different backend.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Target is a resolved DSN.
type Target struct {
	Driver     Driver
	DSN        string
	SQLitePath string
}

// Connection is an open GORM handle with the target it was opened from.
type Connection struct {
	DB     *gorm.DB
	Target Target
}

// Resolve classifies a DSN. postgres:// and postgresql:// select PostgreSQL, everything else is an SQLite path.
func Resolve(dsn string) (Target, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return Target{}, ErrEmptyDSN
	}
	if strings.HasPrefix(trimmed, postgresScheme) || strings.HasPrefix(trimmed, postgresqlScheme) {
		return Target{Driver: DriverPostgres, DSN: trimmed}, nil
	}
	path := trimmed
	if strings.HasPrefix(trimmed, sqliteScheme) {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return Target{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
	}
	return Target{Driver: DriverSQLite, DSN: trimmed, SQLitePath: path}, nil
}

// Open connects GORM to the resolved target. SQLite connections are capped at one writer.
func Open(ctx context.Context, dsn string) (*Connection, error) {
	target, err := Resolve(dsn)
	if err != nil {
		return nil, err
	}
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	switch target.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(target.DSN), config)
	case DriverSQLite:
		path, pathErr := prepareSQLitePath(target.SQLitePath)
		if pathErr != nil {
			return nil, pathErr
		}
		db, err = gorm.Open(sqlite.Open(sqliteConnectionString(path)), config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, target.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target.Driver, err)
	}
	if target.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	}
	return &Connection{DB: db.WithContext(ctx), Target: target}, nil
}

// OpenPool connects a pgx pool for the raw-SQL store.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	target, err := Resolve(dsn)
	if err != nil {
		return nil, err
	}
	if target.Driver != DriverPostgres {
		return nil, fmt.Errorf("%w: pgx requires postgres, got %s", ErrUnsupportedDriver, target.Driver)
	}
	pool, err := pgxpool.New(ctx, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return pool, nil
}

// Migrate prepares the schema. SQLite uses GORM AutoMigrate over models, PostgreSQL applies the embedded migrations.
func (connection *Connection) Migrate(models ...any) error {
	switch connection.Target.Driver {
	case DriverSQLite:
		if err := connection.DB.AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	case DriverPostgres:
		return RunMigrations(connection.Target.DSN)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, connection.Target.Driver)
	}
}

// Ping checks database reachability.
func (connection *Connection) Ping(ctx context.Context) error {
	sqlDB, err := connection.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying pool.
func (connection *Connection) Close() error {
	sqlDB, err := connection.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunMigrations applies the embedded PostgreSQL migrations to databaseURL.
func RunMigrations(databaseURL string) error {
	if databaseURL == "" {
		return ErrEmptyDSN
	}
	source, err := iofs.New(migrationFiles, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance(migrationsSource, source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		return fmt.Errorf("migration source error: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migration database error: %w", dbErr)
	}
	return nil
}

func prepareSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create sqlite directory: %w", err)
	}
	return path, nil
}

func sqliteConnectionString(path string) string {
	if path == sqliteMemoryPath {
		return path
	}
	return path + "?" + sqliteBusyPragma + "&" + sqliteForeignKeys
}
