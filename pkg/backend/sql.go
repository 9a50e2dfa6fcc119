package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const defaultPostgresDSN = "postgres://localhost/graphsync?sslmode=disable"

// sqlOpen is swapped in tests.
var sqlOpen = sql.Open

type dialect struct {
	driver string
	ddl    string
	load   string
	upsert string
}

var (
	sqliteDialect = dialect{
		driver: "sqlite3",
		ddl: `CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL PRIMARY KEY,
			content BLOB NOT NULL
		)`,
		load: `SELECT content FROM documents WHERE id = ?`,
		upsert: `INSERT INTO documents (id, content) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE documents.content != excluded.content`,
	}
	postgresDialect = dialect{
		driver: "pgx",
		ddl: `CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL PRIMARY KEY,
			content BYTEA NOT NULL
		)`,
		load: `SELECT content FROM documents WHERE id = $1`,
		upsert: `INSERT INTO documents (id, content) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content WHERE documents.content <> EXCLUDED.content`,
	}
)

// SQL keeps one row per session in a documents table.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens or creates a sqlite database file.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if path == "" {
		path = "graphsync.sqlite3"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return openSQL(ctx, sqliteDialect, path)
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	return openSQL(ctx, postgresDialect, dsn)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQL, error) {
	db, err := sqlOpen(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.driver, err)
	}
	if _, err := db.ExecContext(ctx, d.ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &SQL{db: db, dialect: d}, nil
}

func (s *SQL) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, s.dialect.load, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return content, nil
}

func (s *SQL) Save(ctx context.Context, sessionID string, data []byte) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, sessionID, data); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
