package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one row of the finished-downloads journal.
type Entry struct {
	Seq             int64      `json:"seq"`
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Path            string     `json:"path"`
	Outcome         string     `json:"outcome"`
	BytesDownloaded int64      `json:"bytesDownloaded"`
	TotalBytes      *int64     `json:"totalBytes,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      time.Time  `json:"finishedAt"`
}

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// DefaultLimit bounds the journal when Open is given a non-positive limit.
const DefaultLimit = 500

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db    *sql.DB
	limit int

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangePrune  ChangeType = "prune"
)

type ChangeEvent struct {
	Type ChangeType
	Seq  int64 // 0 means "resync needed"
}

var memSeq atomic.Int64

// Open opens the journal. An empty path or ":memory:" gives a private
// in-memory database that disappears with the process; anything else is a
// file path. At most limit entries are kept.
func Open(path string, limit int) (*Store, error) {
	var dsn string
	if path == "" || path == ":memory:" {
		// Named shared-cache DB so every pooled connection sees the same data.
		dsn = fmt.Sprintf("file:journal-%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", memSeq.Add(1))
	} else {
		// Pragmas: busy timeout and WAL for better concurrency.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single long-lived connection also keeps an in-memory DB alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		db:    db,
		limit: limit,
		subs:  make(map[chan ChangeEvent]struct{}),
	}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS finished (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    url TEXT NOT NULL,
    path TEXT NOT NULL,
    outcome TEXT NOT NULL,
    bytes_downloaded INTEGER NOT NULL DEFAULT 0,
    total_bytes INTEGER,
    error_message TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_finished_outcome ON finished(outcome);
CREATE INDEX IF NOT EXISTS idx_finished_id ON finished(id);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// Limit returns the maximum number of entries kept.
func (s *Store) Limit() int { return s.limit }

// SubscribeChanges subscribes to mutation events.
// The returned unsubscribe function must be called to avoid leaks.
func (s *Store) SubscribeChanges(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) emitChange(evt ChangeEvent) {
	s.subMu.RLock()
	targets := make([]chan ChangeEvent, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Channel is saturated; collapse to a single resync event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ChangeEvent{Type: ChangeInsert, Seq: 0}:
			default:
			}
		}
	}
}

// Record appends a finished download and prunes the oldest rows beyond the
// limit. It returns the entry's sequence number.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if strings.TrimSpace(e.ID) == "" {
		return 0, ErrEmptyID
	}
	outcome, err := NormalizeOutcome(e.Outcome)
	if err != nil {
		return 0, err
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	var total sql.NullInt64
	if e.TotalBytes != nil {
		total = sql.NullInt64{Int64: *e.TotalBytes, Valid: true}
	}
	var started sql.NullTime
	if e.StartedAt != nil && !e.StartedAt.IsZero() {
		started = sql.NullTime{Time: e.StartedAt.UTC(), Valid: true}
	}
	var errMsg sql.NullString
	if msg := strings.TrimSpace(e.Error); msg != "" {
		errMsg = sql.NullString{String: msg, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO finished (id, url, path, outcome, bytes_downloaded, total_bytes, error_message, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.URL, e.Path, outcome, e.BytesDownloaded, total, errMsg, started, e.FinishedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert finished entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}
	s.emitChange(ChangeEvent{Type: ChangeInsert, Seq: seq})

	pruned, err := s.prune(ctx)
	if err != nil {
		return seq, fmt.Errorf("prune journal: %w", err)
	}
	if pruned > 0 {
		s.emitChange(ChangeEvent{Type: ChangePrune})
	}
	return seq, nil
}

func (s *Store) prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM finished
WHERE seq NOT IN (SELECT seq FROM finished ORDER BY seq DESC LIMIT ?)`, s.limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFilter narrows List results. Entries come newest first unless Order is "asc".
type ListFilter struct {
	Outcome string // completed|failed|cancelled, empty for all
	Order   string // asc|desc
	Limit   int    // optional
	Offset  int    // optional
}

const selectEntry = `SELECT seq, id, url, path, outcome, bytes_downloaded, total_bytes, error_message, started_at, finished_at FROM finished`

func (s *Store) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	order := "DESC"
	if strings.ToLower(f.Order) == "asc" {
		order = "ASC"
	}
	var args []any
	sb := strings.Builder{}
	sb.WriteString(selectEntry)
	if f.Outcome != "" {
		outcome, err := NormalizeOutcome(f.Outcome)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" WHERE outcome = ?")
		args = append(args, outcome)
	}
	sb.WriteString(" ORDER BY seq ")
	sb.WriteString(order)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0, 64)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of entries with the given outcome, or all entries
// when outcome is empty.
func (s *Store) Count(ctx context.Context, outcome string) (int64, error) {
	var n int64
	if outcome == "" {
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM finished`).Scan(&n)
		return n, err
	}
	o, err := NormalizeOutcome(outcome)
	if err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM finished WHERE outcome = ?`, o).Scan(&n)
	return n, err
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e        Entry
		total    sql.NullInt64
		errMsg   sql.NullString
		started  sql.NullTime
		finished time.Time
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.URL, &e.Path, &e.Outcome, &e.BytesDownloaded, &total, &errMsg, &started, &finished); err != nil {
		return Entry{}, err
	}
	if total.Valid {
		v := total.Int64
		e.TotalBytes = &v
	}
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	e.Error = errMsg.String
	e.FinishedAt = finished
	return e, nil
}

// NormalizeOutcome maps spelling variants onto the stored outcome names.
func NormalizeOutcome(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "done":
		return OutcomeCompleted, nil
	case "failed", "error":
		return OutcomeFailed, nil
	case "cancelled", "canceled":
		return OutcomeCancelled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}
