// Package sqlite is the default durable backend: a single SQLite file
// holding the dedup ledger and the staging queue.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/brightlead/leadrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_messages (
	fingerprint TEXT PRIMARY KEY,
	seen_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS staged_replies (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	draft_content   TEXT NOT NULL,
	status          TEXT NOT NULL,
	confidence      REAL NOT NULL,
	platform        TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staged_replies_status ON staged_replies(status);
`

// NewStores opens (or creates) the SQLite file at path and returns both
// stores backed by it. The ledger is fully loaded into memory here.
func NewStores(path string) (*store.Stores, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized writes keep the synchronous-flush contract simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ledger, err := newLedger(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store.NewStores(ledger, &stagingQueue{db: db}, db.Close), nil
}

// ledger keeps the full fingerprint set in memory; MarkSeen writes through
// synchronously. If the write fails the in-memory copy stays authoritative
// for this process; duplicate work after a crash is the accepted risk.
type ledger struct {
	db   *sql.DB
	mu   sync.RWMutex
	seen map[string]struct{}
}

func newLedger(db *sql.DB) (*ledger, error) {
	rows, err := db.Query(`SELECT fingerprint FROM seen_messages`)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		seen[fp] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	slog.Info("dedup ledger loaded", "fingerprints", len(seen))
	return &ledger{db: db, seen: seen}, nil
}

func (l *ledger) Seen(fingerprint string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[fingerprint]
	return ok
}

func (l *ledger) MarkSeen(fingerprint string) error {
	l.mu.Lock()
	l.seen[fingerprint] = struct{}{}
	l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO seen_messages (fingerprint, seen_at) VALUES (?, ?)`,
		fingerprint, time.Now().UTC())
	if err != nil {
		slog.Error("ledger persist failed, in-memory copy remains authoritative", "error", err)
		return fmt.Errorf("persist fingerprint: %w", err)
	}
	return nil
}

type stagingQueue struct {
	db *sql.DB
}

func (q *stagingQueue) Enqueue(s store.StagedReply) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Status = store.StatusPending

	_, err := q.db.Exec(
		`INSERT INTO staged_replies (id, conversation_id, contact_id, draft_content, status, confidence, platform, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ConversationID, s.ContactID, s.DraftContent, string(s.Status), s.Confidence, s.Platform, s.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("enqueue staged reply: %w", err)
	}
	return s.ID, nil
}

func (q *stagingQueue) MarkSent(id string) error {
	return q.transition(id, store.StatusSent)
}

func (q *stagingQueue) MarkRejected(id string) error {
	return q.transition(id, store.StatusRejected)
}

// transition moves a reply out of pending. Already-finalized rows are left
// untouched so approval tooling can't flip outcomes.
func (q *stagingQueue) transition(id string, to store.StagedStatus) error {
	res, err := q.db.Exec(
		`UPDATE staged_replies SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(store.StatusPending))
	if err != nil {
		return fmt.Errorf("update staged reply %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update staged reply %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("staged reply %s not found or already finalized", id)
	}
	return nil
}

func (q *stagingQueue) ListPending() ([]store.StagedReply, error) {
	rows, err := q.db.Query(
		`SELECT id, conversation_id, contact_id, draft_content, status, confidence, platform, created_at
		 FROM staged_replies WHERE status = ? ORDER BY created_at`,
		string(store.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []store.StagedReply
	for rows.Next() {
		var s store.StagedReply
		var status string
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.ContactID, &s.DraftContent, &status, &s.Confidence, &s.Platform, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan staged reply: %w", err)
		}
		s.Status = store.StagedStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
