package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver and placeholder style
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for drivers that expect ?. Queries in this
// package use each placeholder once and in order.
func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?")
	}
	return query
}

// SQLOptions configures the SQL connection pool
type SQLOptions struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// SQLBackend stores documents in the benchmark_histories table. Each row carries
// an integer version that every successful write increments.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	log     logrus.FieldLogger
}

// OpenSQLBackend connects, applies migrations and returns the backend
func OpenSQLBackend(ctx context.Context, opts SQLOptions, log logrus.FieldLogger) (*SQLBackend, error) {
	var driver string
	switch opts.Dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", opts.Dialect)
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.Dialect == DialectSQLite {
		// SQLite only allows one writer at a time; one connection also keeps :memory: databases alive
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(ctx, db, opts.Dialect, log); err != nil {
		db.Close()
		return nil, err
	}

	b := &SQLBackend{
		db:      db,
		dialect: opts.Dialect,
		log:     log.WithField("component", "sql-backend"),
	}
	b.log.WithField("dialect", opts.Dialect).Info("Connected to history database")
	return b, nil
}

// Name identifies the backend in logs and metrics
func (b *SQLBackend) Name() string {
	return string(b.dialect)
}

// Close closes the database connection
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// Read returns the stored document and its row version
func (b *SQLBackend) Read(ctx context.Context, environmentID string) ([]byte, Version, error) {
	query := b.dialect.rebind(`SELECT document, version FROM benchmark_histories WHERE environment_id = $1`)

	var (
		document string
		version  int64
	)
	err := b.db.QueryRowContext(ctx, query, environmentID).Scan(&document, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to query history: %w", err)
	}
	return []byte(document), Version(strconv.FormatInt(version, 10)), nil
}

// Write inserts the first document or updates the row whose version still matches expected
func (b *SQLBackend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	now := time.Now().UTC()

	if expected == "" {
		query := b.dialect.rebind(`
		INSERT INTO benchmark_histories (environment_id, version, document, updated_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (environment_id) DO NOTHING`)

		res, err := b.db.ExecContext(ctx, query, environmentID, string(document), now)
		if err != nil {
			return "", fmt.Errorf("failed to insert history: %w", err)
		}
		if err := b.checkAffected(res, environmentID); err != nil {
			return "", err
		}
		return "1", nil
	}

	current, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid SQL history version %q: %w", expected, err)
	}

	query := b.dialect.rebind(`
	UPDATE benchmark_histories
	SET document = $1, version = version + 1, updated_at = $2
	WHERE environment_id = $3 AND version = $4`)

	res, err := b.db.ExecContext(ctx, query, string(document), now, environmentID, current)
	if err != nil {
		return "", fmt.Errorf("failed to update history: %w", err)
	}
	if err := b.checkAffected(res, environmentID); err != nil {
		return "", err
	}
	return Version(strconv.FormatInt(current+1, 10)), nil
}

func (b *SQLBackend) checkAffected(res sql.Result, environmentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		b.log.WithField("environment", environmentID).Debug("History row changed since it was read")
		return ErrVersionMismatch
	}
	return nil
}
