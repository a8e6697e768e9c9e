// Package store persists lifecycle history and the node registry in SQLite.
// History is append-only; the registry rows mirror in-memory state so nodes
// survive a bridge restart with their ConnectedAt intact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
// An empty path means in-memory, which is what the tests use.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = ":memory:"
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite behaves best with one writer.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_history_event ON lifecycle_history(event);`,
		`CREATE TABLE IF NOT EXISTS registered_nodes(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			connected_at TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// HistoryEntry is one recorded lifecycle transition.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Event      string    `json:"event"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// AppendHistory records one lifecycle transition.
func (s *Store) AppendHistory(ctx context.Context, event string, pid int, detail string) error {
	var d any
	if detail != "" {
		d = detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_history(occurred_at, event, pid, detail)
		VALUES(?, ?, ?, ?);`,
		time.Now().UTC(), event, pid, d)
	return err
}

// History returns the most recent entries, newest first, capped at limit.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, event, pid, detail
		FROM lifecycle_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Event, &e.PID, &detail); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// NodeRow is the persisted shape of a registered node.
type NodeRow struct {
	ID          string
	Name        string
	Address     string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// UpsertNode inserts or refreshes a node row. On conflict the original
// connected_at is preserved and only name, address and last_seen move.
func (s *Store) UpsertNode(ctx context.Context, n NodeRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_nodes(id, name, address, connected_at, last_seen)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			last_seen = excluded.last_seen;`,
		n.ID, n.Name, n.Address, n.ConnectedAt.UTC(), n.LastSeen.UTC())
	return err
}

// TouchNode refreshes last_seen for an existing node.
func (s *Store) TouchNode(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE registered_nodes SET last_seen = ? WHERE id = ?;`, at.UTC(), id)
	return err
}

// DeleteNode removes a node row. Deleting an absent node is not an error.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM registered_nodes WHERE id = ?;`, id)
	return err
}

// Nodes returns all persisted nodes ordered by id.
func (s *Store) Nodes(ctx context.Context) ([]NodeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, connected_at, last_seen
		FROM registered_nodes ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		if err := rows.Scan(&n.ID, &n.Name, &n.Address, &n.ConnectedAt, &n.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
