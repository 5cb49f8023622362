// Package sqlite is the outbox backend for a local database file, the
// default durable store of a desktop client.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/portalchat/internal/outbox"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" one
	// database instead of one per pooled connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_owner_seq ON outbox (owner, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, e outbox.Entry) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, owner, payload, enqueued_at)
		VALUES (?, ?, ?, ?)
	`, e.ID.String(), e.Owner, payload, e.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, owner string, limit int) ([]outbox.Entry, error) {
	// LIMIT -1 is SQLite for "no limit".
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, enqueued_at
		FROM outbox
		WHERE owner = ?
		ORDER BY seq
		LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	entries := []outbox.Entry{}
	for rows.Next() {
		var (
			id      string
			payload []byte
			nanos   int64
		)
		if err := rows.Scan(&id, &payload, &nanos); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e, err := decode(id, owner, payload, nanos)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, owner string, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND owner = ?`, id.String(), owner); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func decode(id, owner string, payload []byte, nanos int64) (outbox.Entry, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("parse outbox id %q: %w", id, err)
	}
	cmd, err := outbox.DecodePayload(payload)
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.Entry{ID: uid, Owner: owner, Command: cmd, EnqueuedAt: time.Unix(0, nanos).UTC()}, nil
}
