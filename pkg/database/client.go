// Package database opens the backing store connection for either dialect and
// applies the embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "github.com/mattn/go-sqlite3"    // database/sql driver "sqlite3"
)

//go:embed migrations/postgres migrations/sqlite
var migrationsFS embed.FS

// Client wraps the pooled connection for one backend dialect.
type Client struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite3"
	dsn     string
}

// DB returns the underlying pool for direct queries and health checks.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the database/sql driver name the client was opened with.
func (c *Client) Dialect() string { return c.dialect }

// DSN returns the connection string, used for dedicated side connections
// such as the LISTEN bridge.
func (c *Client) DSN() string { return c.dsn }

// Close drains the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewPostgresClient opens a pooled PostgreSQL connection via pgx/stdlib and
// applies the postgres migrations.
func NewPostgresClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := cfg.DSN()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migratePostgres(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, dialect: "postgres", dsn: dsn}, nil
}

// NewPostgresClientFromDSN opens a pooled PostgreSQL connection from a
// complete connection string and applies the postgres migrations. Used where
// the connection details come pre-assembled, such as test harnesses.
func NewPostgresClientFromDSN(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migratePostgres(db, "agentlens"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, dialect: "postgres", dsn: dsn}, nil
}

// NewSQLiteClient opens (creating if needed) the embedded database file and
// applies the sqlite migrations. WAL mode and a busy timeout keep concurrent
// readers from tripping over the single writer.
func NewSQLiteClient(ctx context.Context, path string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; more open connections only add lock
	// contention.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, dialect: "sqlite3", dsn: dsn}, nil
}

// migratePostgres applies the embedded postgres migrations with golang-migrate.
func migratePostgres(db *sql.DB, dbName string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migrate driver: %w", err)
	}
	return runMigrations("migrations/postgres", dbName, driver)
}

// migrateSQLite applies the embedded sqlite migrations.
func migrateSQLite(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	return runMigrations("migrations/sqlite", "agentlens", driver)
}

// runMigrations applies every pending migration from the embedded directory.
// Only the source driver is closed afterwards: m.Close() would also close the
// shared *sql.DB handed to WithInstance.
func runMigrations(dir, dbName string, driver migratedb.Driver) error {
	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
