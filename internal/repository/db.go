package repository

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/joseph-ayodele/docjobs/db/migrations"
)

type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver          string
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// DB wraps the *sql.DB together with the SQL dialect used to build statements.
type DB struct {
	SQL     *sql.DB
	dialect string
	pool    *pgxpool.Pool
	log     *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to Postgres through a pgx pool or to SQLite through modernc.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", cfg.Driver)

	switch cfg.Driver {
	case "postgres":
		pc, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			logger.Error("failed to parse database dsn", "error", err)
			return nil, err
		}
		if cfg.MaxConns > 0 {
			pc.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			pc.MinConns = cfg.MinConns
		}
		pc.MaxConnLifetime = cfg.MaxConnLifetime
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
		pc.ConnConfig.RuntimeParams["application_name"] = "docjobs"

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout(cfg.DialTimeout))
		defer cancel()
		pool, err := pgxpool.NewWithConfig(dialCtx, pc)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return nil, err
		}
		logger.Info("successfully connected to database")
		return &DB{SQL: stdlib.OpenDBFromPool(pool), dialect: dialect.Postgres, pool: pool, log: logger}, nil

	case "sqlite":
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			logger.Error("failed to open sqlite database", "error", err)
			return nil, err
		}
		// a single writer avoids SQLITE_BUSY under concurrent pollers
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		logger.Info("successfully opened sqlite database")
		return &DB{SQL: db, dialect: dialect.SQLite, log: logger}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func sqliteDSN(dsn string) string {
	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 3 * time.Second
	}
	return d
}

// Dialect returns the ent dialect name ("postgres" or "sqlite3").
func (d *DB) Dialect() string { return d.dialect }

func (d *DB) builder() *entsql.DialectBuilder {
	return entsql.Dialect(d.dialect)
}

// Close closes the database connections gracefully
func (d *DB) Close() {
	d.log.Info("closing database connections")
	if err := d.SQL.Close(); err != nil {
		d.log.Error("failed to close database", "error", err)
	}
	if d.pool != nil {
		d.pool.Close()
	}
	d.log.Info("database connections closed")
}

// HealthCheck pings the database within timeout.
func (d *DB) HealthCheck(ctx context.Context, timeout time.Duration) error {
	d.log.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.SQL.PingContext(ctx); err != nil {
		d.log.Error("database ping failed", "error", err)
		return err
	}
	d.log.Debug("database ping successful")
	return nil
}

// InTx runs fn inside a transaction, rolling back on error.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate applies every pending *.up.sql file from the embedded migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return d.migrate(ctx, migrations.FS)
}

func (d *DB) migrate(ctx context.Context, fsys fs.FS) error {
	_, err := d.SQL.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := d.SQL.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		err = d.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			q, args := d.builder().Insert("schema_migrations").
				Columns("version", "applied_at").
				Values(version, toMillis(time.Now())).
				Query()
			_, err := tx.ExecContext(ctx, q, args...)
			return err
		})
		if err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		d.log.Info("migration applied", "version", version, "file", name)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func exec(ctx context.Context, q querier, b entsql.Querier) (sql.Result, error) {
	query, args := b.Query()
	return q.ExecContext(ctx, query, args...)
}
