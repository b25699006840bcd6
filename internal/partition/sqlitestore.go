package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	part      TEXT    NOT NULL,
	req_key   TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	UNIQUE (part, req_key)
);
CREATE INDEX IF NOT EXISTS entries_partition_seq ON entries (part, seq);
`

// SQLiteStore keeps all partitions in one SQLite database. The AUTOINCREMENT
// rowid is the insertion order.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "create partition schema")
	}
	return &SQLiteStore{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name) VALUES (?)`, name); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "create partition %q", name)
	}
	return &sqlitePartition{db: s.db, name: name}, nil
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "list partitions")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "scan partition")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, platformerrors.Wrap(err, platformerrors.CodeDatabase, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE part = ?`, name); err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete entries of %q", name)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete partition %q", name)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, platformerrors.Wrap(err, platformerrors.CodeDatabase, "commit delete")
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlitePartition struct {
	db   *sql.DB
	name string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, key string) (*Response, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE part = ? AND req_key = ?`,
		p.name, key,
	).Scan(&status, &header, &body, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "read entry in %q", p.name)
	}
	resp := &Response{Status: status, Body: body, StoredAt: time.UnixMilli(storedAt).UTC()}
	if len(header) > 0 {
		var h http.Header
		if err := json.Unmarshal(header, &h); err == nil {
			resp.Header = h
		}
	}
	return resp, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("nil response for %q", key)
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "begin put")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, p.name).Scan(&exists); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "check partition")
	}
	if exists == 0 {
		return errDeleted(p.name)
	}
	// Delete then insert so an overwrite gets a fresh sequence number.
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE part = ? AND req_key = ?`, p.name, key); err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "replace entry in %q", p.name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (part, req_key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.name, key, resp.Status, header, resp.Body, storedAt.UTC().UnixMilli(),
	); err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "write entry in %q", p.name)
	}
	if err := tx.Commit(); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "commit put")
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM entries WHERE part = ? AND req_key = ?`, p.name, key)
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete entry in %q", p.name)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT req_key FROM entries WHERE part = ? ORDER BY seq`, p.name)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "list entries in %q", p.name)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "scan entry")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
