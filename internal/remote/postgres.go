package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/tasksync/tasksync/internal/schema"
)

const (
	postgresProjectsTable    = "tasksync_projects"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps projects in a Postgres table, one JSON document per
// row. Writes are compare-and-set on the version column.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a store for dsn. The connection and table are
// set up lazily on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := `
			CREATE TABLE IF NOT EXISTS ` + postgresProjectsTable + ` (
				id TEXT PRIMARY KEY,
				version BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				deleted_at TIMESTAMPTZ,
				document TEXT NOT NULL
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to create %s: %w", postgresProjectsTable, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Head(ctx context.Context, id string) (Head, error) {
	if err := s.ensureReady(); err != nil {
		return Head{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var head Head
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, updated_at, deleted_at FROM `+postgresProjectsTable+` WHERE id = $1`, id,
	).Scan(&head.ID, &head.Version, &head.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{}, ErrNotFound
	}
	if err != nil {
		return Head{}, fmt.Errorf("failed to read head of %s: %w", id, err)
	}
	if deletedAt.Valid {
		head.DeletedAt = &deletedAt.Time
	}
	return head, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (schema.Project, error) {
	if err := s.ensureReady(); err != nil {
		return schema.Project{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM `+postgresProjectsTable+` WHERE id = $1`, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Project{}, ErrNotFound
	}
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to read %s: %w", id, err)
	}
	var p schema.Project
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return schema.Project{}, fmt.Errorf("failed to parse %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p schema.Project, expected int64) (schema.Project, error) {
	if err := checkPut(p, expected); err != nil {
		return schema.Project{}, err
	}
	if err := s.ensureReady(); err != nil {
		return schema.Project{}, err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to marshal %s: %w", p.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO `+postgresProjectsTable+` (id, version, updated_at, deleted_at, document)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Version, p.UpdatedAt, p.DeletedAt, string(doc))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE `+postgresProjectsTable+`
			SET version = $2, updated_at = $3, deleted_at = $4, document = $5
			WHERE id = $1 AND version = $6`,
			p.ID, p.Version, p.UpdatedAt, p.DeletedAt, string(doc), expected)
	}
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to write %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to write %s: %w", p.ID, err)
	}
	if n == 1 {
		return p, nil
	}

	var actual int64
	if head, err := s.Head(ctx, p.ID); err == nil {
		actual = head.Version
	}
	return schema.Project{}, &ConflictError{ProjectID: p.ID, Expected: expected, Actual: actual}
}

func (s *PostgresStore) List(ctx context.Context) ([]Head, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, updated_at, deleted_at FROM `+postgresProjectsTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var heads []Head
	for rows.Next() {
		var head Head
		var deletedAt sql.NullTime
		if err := rows.Scan(&head.ID, &head.Version, &head.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project head: %w", err)
		}
		if deletedAt.Valid {
			head.DeletedAt = &deletedAt.Time
		}
		heads = append(heads, head)
	}
	return heads, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
