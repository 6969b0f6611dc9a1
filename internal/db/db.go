package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// MemoryDSN opens a private in-memory SQLite database
const MemoryDSN = ":memory:"

type DB struct {
	*sql.DB
	Driver string
}

// Open connects to the database and verifies connectivity.
// For sqlite3 the dsn is a file path or ":memory:"; for postgres it is a
// connection URL handed to the pgx stdlib driver.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)

	switch driver {
	case DriverSQLite, "sqlite", "":
		driver = DriverSQLite
		sqlDB, err = openSQLite(dsn)
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		if dsn == "" {
			return nil, fmt.Errorf("postgres DSN is empty")
		}
		sqlDB, err = sql.Open("pgx", dsn)
		if err == nil {
			sqlDB.SetMaxOpenConns(20)
			sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: sqlDB, Driver: driver}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "data/rekindle.db"
	}

	if path == MemoryDSN {
		db, err := sql.Open(DriverSQLite, path)
		if err != nil {
			return nil, err
		}
		// Every connection of an in-memory database is a separate database
		db.SetMaxOpenConns(1)
		return db, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	return sql.Open(DriverSQLite, path+"?_journal_mode=WAL&_busy_timeout=5000")
}

// Migrate applies the embedded schema migrations
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(db.Driver); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Version returns the current schema version
func (db *DB) Version() (int64, error) {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(db.Driver); err != nil {
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.GetDBVersion(db.DB)
}

// Rebind rewrites ? placeholders into the driver's bind style
func (db *DB) Rebind(query string) string {
	if db.Driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
