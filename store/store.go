// Package store is the data client binding: one handle to the database that
// the page, the composer, the feed and the auth flow all share.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	defaultSQLiteDSN = "./microblog.db?_pragma=foreign_keys(1)"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	AppID  string
	Driver string
	URL    string
}

type DB struct {
	db    *sql.DB
	appID string
	log   echo.Logger

	mu    sync.RWMutex
	hooks []func(context.Context)
}

// Open connects to the configured database and brings its schema up to date.
func Open(ctx context.Context, cfg Config, logger echo.Logger) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := cfg.URL

	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = defaultSQLiteDSN
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("DB_URL is required for the pgx driver")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &DB{db: db, appID: cfg.AppID, log: logger}
	if err := s.migrate(driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(driver string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var instance database.Driver
	switch driver {
	case DriverSQLite:
		instance, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	case DriverPostgres:
		instance, err = pgxmigrate.WithInstance(s.db, &pgxmigrate.Config{})
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, instance)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		s.log.Info("database schema already in latest version")
		return nil
	}
	if err != nil {
		return fmt.Errorf("database schema migration: %w", err)
	}
	s.log.Info("database schema migrated")
	return nil
}

func (s *DB) AppID() string { return s.appID }

// OnChange registers fn to run after every committed transaction.
func (s *DB) OnChange(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *DB) changed(ctx context.Context) {
	s.mu.RLock()
	hooks := append([]func(context.Context){}, s.hooks...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DB) Close() error {
	return s.db.Close()
}
