// Package postgres is the outbox backend for deployments where the client
// runs next to a shared database, such as a kiosk fleet.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/portalchat/internal/outbox"
)

// Store keeps every user's queue in one table; the owner column scopes
// rows to a portal user so clients can share it.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the outbox table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS chat_outbox (
			seq         BIGSERIAL PRIMARY KEY,
			id          UUID NOT NULL UNIQUE,
			owner       TEXT NOT NULL,
			payload     BYTEA NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_outbox_owner_seq ON chat_outbox (owner, seq);`

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate chat_outbox: %w", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, e outbox.Entry) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO chat_outbox (id, owner, payload, enqueued_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, query, e.ID, e.Owner, payload, e.EnqueuedAt); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, owner string, limit int) ([]outbox.Entry, error) {
	// LIMIT NULL is LIMIT ALL in Postgres.
	var lim any
	if limit > 0 {
		lim = limit
	}
	query := `
		SELECT id, payload, enqueued_at
		FROM chat_outbox
		WHERE owner = $1
		ORDER BY seq
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, owner, lim)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	// Return empty slice, not nil.
	entries := []outbox.Entry{}
	for rows.Next() {
		var (
			e       outbox.Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &payload, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		cmd, err := outbox.DecodePayload(payload)
		if err != nil {
			return nil, err
		}
		e.Owner = owner
		e.Command = cmd
		e.EnqueuedAt = e.EnqueuedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, owner string, id uuid.UUID) error {
	query := `DELETE FROM chat_outbox WHERE id = $1 AND owner = $2`
	if _, err := s.pool.Exec(ctx, query, id, owner); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }
