// Package redis is the outbox backend for clients that already run next to
// a Redis instance. Each owner gets a list of ids for order and a hash for
// the entries themselves.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/portalchat/internal/outbox"
	goredis "github.com/redis/go-redis/v9"
)

type record struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Store struct {
	client *goredis.Client
	prefix string
}

// Open connects to a redis:// URL and scopes keys under prefix.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewStore(client, prefix), nil
}

func NewStore(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) listKey(owner string) string {
	return s.prefix + ":" + owner + ":outbox"
}

func (s *Store) hashKey(owner string) string {
	return s.prefix + ":" + owner + ":outbox:entries"
}

func (s *Store) Enqueue(ctx context.Context, e outbox.Entry) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{ID: e.ID.String(), Payload: payload, EnqueuedAt: e.EnqueuedAt})
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, s.hashKey(e.Owner), e.ID.String(), data)
		p.RPush(ctx, s.listKey(e.Owner), e.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, owner string, limit int) ([]outbox.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.LRange(ctx, s.listKey(owner), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbox order: %w", err)
	}
	entries := []outbox.Entry{}
	if len(ids) == 0 {
		return entries, nil
	}
	vals, err := s.client.HMGet(ctx, s.hashKey(owner), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbox entries: %w", err)
	}
	for _, v := range vals {
		// An id without a hash field is a half-removed entry.
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decode(raw)
		if err != nil {
			return nil, err
		}
		e.Owner = owner
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, owner string, id uuid.UUID) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LRem(ctx, s.listKey(owner), 1, id.String())
		p.HDel(ctx, s.hashKey(owner), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove outbox entry: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func decode(raw string) (outbox.Entry, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return outbox.Entry{}, fmt.Errorf("decode outbox entry: %w", err)
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("parse outbox id %q: %w", r.ID, err)
	}
	cmd, err := outbox.DecodePayload(r.Payload)
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.Entry{ID: id, Command: cmd, EnqueuedAt: r.EnqueuedAt.UTC()}, nil
}
