package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"mro-harvester/internal/config"
	"mro-harvester/pkg/types"
)

// SQLMirror copies checkpoint entries into a shared relational table so
// several workers can be monitored or resumed from one place.
type SQLMirror struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLMirror initialises a SQLMirror from configuration.
func NewSQLMirror(cfg config.SQLConfig) (*SQLMirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	mirror := &SQLMirror{
		db:          db,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := mirror.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return mirror, nil
}

// Save inserts entry unless the identifier is already present.
func (s *SQLMirror) Save(ctx context.Context, entry types.CheckpointEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.insert(ctx, entry); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.insert(ctx, entry); retryErr != nil {
				return fmt.Errorf("insert checkpoint: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLMirror) insert(ctx context.Context, entry types.CheckpointEntry) error {
	record, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	const query = `
        INSERT INTO harvest_checkpoint (identifier, record, completed_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (identifier) DO NOTHING
    `
	_, err = s.db.ExecContext(ctx, query, entry.ID, record, entry.CompletedAt)
	return err
}

// Identifiers lists every identifier recorded in the table.
func (s *SQLMirror) Identifiers(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT identifier FROM harvest_checkpoint`)
	if err != nil {
		if isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query checkpoint identifiers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint identifier: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying DB connection.
func (s *SQLMirror) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLMirror) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS harvest_checkpoint (
		    identifier TEXT PRIMARY KEY,
		    record JSONB NOT NULL,
		    completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_harvest_checkpoint_completed_at ON harvest_checkpoint (completed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
