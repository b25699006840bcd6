// Package mutation stores writes made while the origin was unreachable and
// replays them when a background-sync trigger fires.
package mutation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	_ "modernc.org/sqlite"
)

// Kind names a queue of pending writes.
type Kind string

const (
	KindListing Kind = "listing"
	KindMessage Kind = "message"
)

var genericKind = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func (k Kind) table() string {
	switch k {
	case KindListing:
		return "pending_listings"
	case KindMessage:
		return "pending_messages"
	default:
		return "pending_generic"
	}
}

// Generic reports whether k is stored in the shared generic table.
func (k Kind) Generic() bool {
	return k != KindListing && k != KindMessage
}

func (k Kind) validate() error {
	if !k.Generic() || genericKind.MatchString(string(k)) {
		return nil
	}
	return platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid queue kind %q", k)
}

// Record is one pending write. Endpoint is the origin path a generic record
// is replayed to; listing and message records use fixed endpoints.
type Record struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Token     string          `json:"-"`
	Endpoint  string          `json:"endpoint,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS pending_listings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	token      TEXT    NOT NULL DEFAULT '',
	endpoint   TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	token      TEXT    NOT NULL DEFAULT '',
	endpoint   TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_generic (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	token      TEXT    NOT NULL DEFAULT '',
	endpoint   TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_generic_kind ON pending_generic (kind, id);
`

// Queue is the durable store of pending writes.
type Queue struct {
	db *sql.DB
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
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
	if _, err := db.Exec(queueSchema); err != nil {
		_ = db.Close()
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "create queue schema")
	}
	return &Queue{db: db}, nil
}

// Close releases the SQLite connection.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue stores a pending write and returns its id. Generic kinds need an
// endpoint to be replayable.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (int64, error) {
	if err := rec.Kind.validate(); err != nil {
		return 0, err
	}
	if !json.Valid(rec.Payload) {
		return 0, platformerrors.New(platformerrors.CodeInvalidInput, "payload must be JSON")
	}
	rec.Endpoint = strings.TrimSpace(rec.Endpoint)
	if rec.Kind.Generic() && !strings.HasPrefix(rec.Endpoint, "/") {
		return 0, platformerrors.Newf(platformerrors.CodeInvalidInput, "kind %q needs an endpoint path", rec.Kind)
	}
	if !rec.Kind.Generic() {
		rec.Endpoint = ""
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO `+rec.Kind.table()+` (kind, payload, token, endpoint, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		string(rec.Kind),
		[]byte(rec.Payload),
		rec.Token,
		rec.Endpoint,
		rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "enqueue %s", rec.Kind)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeDatabase, "read record id")
	}
	return id, nil
}

// Pending lists the records of kind oldest first.
func (q *Queue) Pending(ctx context.Context, kind Kind) ([]Record, error) {
	if err := kind.validate(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, kind, payload, token, endpoint, created_at
FROM `+kind.table()+`
WHERE kind = ?
ORDER BY id
`, string(kind))
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "list pending %s", kind)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			k         string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &k, &payload, &rec.Token, &rec.Endpoint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		rec.Kind = Kind(k)
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending records: %w", err)
	}
	return records, nil
}

// Remove deletes one record. Removing a missing record is not an error.
func (q *Queue) Remove(ctx context.Context, kind Kind, id int64) error {
	if err := kind.validate(); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM `+kind.table()+` WHERE id = ? AND kind = ?`, id, string(kind))
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "remove %s %d", kind, id)
	}
	return nil
}

// Count returns the number of pending records of kind.
func (q *Queue) Count(ctx context.Context, kind Kind) (int, error) {
	if err := kind.validate(); err != nil {
		return 0, err
	}
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+kind.table()+` WHERE kind = ?`, string(kind)).Scan(&n)
	if err != nil {
		return 0, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "count %s", kind)
	}
	return n, nil
}
