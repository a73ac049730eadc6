// Package deadletter keeps failed envelopes in SQLite so they can be
// inspected and replayed.
//
// Install ErrorHook as the worker's error handler:
//
//	store, _ := deadletter.Open(ctx, "jobmux-dead.db")
//	w.OnError(deadletter.ErrorHook(store, logger))
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/miladsoleymani/jobmux/core"
)

// ErrNotFound is returned for an unknown entry id.
var ErrNotFound = errors.New("jobmux/deadletter: entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id        TEXT PRIMARY KEY,
	queue     TEXT NOT NULL,
	body      BLOB NOT NULL,
	error     TEXT NOT NULL,
	batch     INTEGER NOT NULL DEFAULT 0,
	failed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_queue ON dead_letters (queue, failed_at);
`

// Entry is one failed delivery, or one failed batch when Batch is set.
// A batch body is an envelope whose content is the array of members.
type Entry struct {
	ID       string
	Queue    string
	Body     []byte
	Error    string
	Batch    bool
	FailedAt time.Time
}

// Publisher is the part of core.Transport needed to replay an entry.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Store persists dead letters.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
// ":memory:" keeps everything in process.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobmux/deadletter: open %q: %w", path, err)
	}
	// one writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("jobmux/deadletter: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("jobmux/deadletter: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Add records a failure and returns the new entry id.
func (s *Store) Add(ctx context.Context, queue string, body []byte, cause error) (string, error) {
	return s.insert(ctx, queue, body, cause, false)
}

// AddBatch records a failed batch. body is the batch envelope; Replay
// republishes its members one by one.
func (s *Store) AddBatch(ctx context.Context, queue string, body []byte, cause error) (string, error) {
	return s.insert(ctx, queue, body, cause, true)
}

func (s *Store) insert(ctx context.Context, queue string, body []byte, cause error, batch bool) (string, error) {
	if body == nil {
		body = []byte{}
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, body, error, batch, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, queue, body, msg, batch, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("jobmux/deadletter: insert: %w", err)
	}
	return id, nil
}

// List returns entries oldest first. An empty queue lists every queue; a
// non-positive limit means no limit.
func (s *Store) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, body, error, batch, failed_at FROM dead_letters
		 WHERE ? = '' OR queue = ?
		 ORDER BY failed_at, rowid
		 LIMIT ?`, queue, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("jobmux/deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobmux/deadletter: list: %w", err)
	}
	return out, nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, body, error, batch, failed_at FROM dead_letters WHERE id = ?`, id)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("jobmux/deadletter: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of entries for queue, or all entries for "".
func (s *Store) Count(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE ? = '' OR queue = ?`, queue, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobmux/deadletter: count: %w", err)
	}
	return n, nil
}

// Replay republishes the stored bytes to the queue they failed on and
// deletes the entry. A batch entry is published as one envelope per member,
// each carrying the batch's callbacks. If a member fails to publish the
// entry is kept, and replaying it again may duplicate earlier members.
func (s *Store) Replay(ctx context.Context, p Publisher, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	bodies := [][]byte{e.Body}
	if e.Batch {
		if bodies, err = splitBatch(e.Body); err != nil {
			return fmt.Errorf("jobmux/deadletter: replay %s: %w", id, err)
		}
	}
	for _, body := range bodies {
		if err := p.Publish(ctx, e.Queue, body); err != nil {
			return fmt.Errorf("jobmux/deadletter: replay %s to %q: %w", id, e.Queue, err)
		}
	}
	return s.Delete(ctx, id)
}

// splitBatch turns a batch envelope into one encoded envelope per member.
func splitBatch(body []byte) ([][]byte, error) {
	var codec core.JSONCodec
	env, err := codec.Decode(body)
	if err != nil {
		return nil, err
	}
	var members []json.RawMessage
	if err := json.Unmarshal(env.Content, &members); err != nil {
		return nil, fmt.Errorf("batch content is not an array: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		data, err := codec.Encode(&core.Envelope{Content: m, Callbacks: env.Callbacks})
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// ReplayAll replays every entry of queue ("" for all) and reports how many
// were replayed before the first failure.
func (s *Store) ReplayAll(ctx context.Context, p Publisher, queue string) (int, error) {
	entries, err := s.List(ctx, queue, 0)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := s.Replay(ctx, p, e.ID); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Entry, error) {
	var (
		e  Entry
		ts int64
	)
	if err := r.Scan(&e.ID, &e.Queue, &e.Body, &e.Error, &e.Batch, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("jobmux/deadletter: scan: %w", err)
	}
	e.FailedAt = time.Unix(0, ts)
	return e, nil
}

// ErrorHook returns a worker error handler that records every failure.
// Batch failures are stored as batch entries. Storage errors are logged;
// the delivery is still acked by the worker.
func ErrorHook(s *Store, logger *slog.Logger) core.ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, queue string, raw []byte, _ core.AckToken) {
		add := s.Add
		if errors.Is(err, core.ErrBatchFailed) && len(raw) > 0 {
			add = s.AddBatch
		}
		id, addErr := add(context.Background(), queue, raw, err)
		if addErr != nil {
			logger.Error("dead letter not stored", "queue", queue, "error", err, "store_error", addErr)
			return
		}
		logger.Warn("dead lettered", "queue", queue, "id", id, "error", err)
	}
}
