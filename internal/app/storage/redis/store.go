// Package redis implements storage.KVStore on a Redis server. Batches are sent
// as a single MULTI/EXEC transaction.
package redis

import (
	"bytes"
	"context"
	"errors"

	goredis "github.com/go-redis/redis/v8"

	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

// Store keeps keys under a namespace prefix.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.KVStore = (*Store)(nil)

// New wraps client. Every key is stored as prefix+key.
func New(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, prefix), nil
}

// Client exposes the underlying client for publishers sharing the connection.
func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) key(k string) string { return s.prefix + k }

// Get implements storage.KVStore.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(string(key))).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

// Commit implements storage.KVStore. A batch with expectations runs under
// WATCH on the expected keys, so a concurrent writer aborts the transaction.
func (s *Store) Commit(ctx context.Context, b *storage.Batch) error {
	if b.Len() == 0 && len(b.Expects) == 0 {
		return nil
	}
	if len(b.Expects) == 0 {
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queue(ctx, pipe, b)
			return nil
		})
		return err
	}

	keys := make([]string, 0, len(b.Expects))
	for k := range b.Expects {
		keys = append(keys, s.key(k))
	}
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		for k, want := range b.Expects {
			got, err := tx.Get(ctx, s.key(k)).Bytes()
			switch {
			case errors.Is(err, goredis.Nil):
				if want != nil {
					return storage.ErrConflict
				}
			case err != nil:
				return err
			case want == nil || !bytes.Equal(got, want):
				return storage.ErrConflict
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queue(ctx, pipe, b)
			return nil
		})
		return err
	}, keys...)
	if errors.Is(err, goredis.TxFailedErr) {
		return storage.ErrConflict
	}
	return err
}

func (s *Store) queue(ctx context.Context, pipe goredis.Pipeliner, b *storage.Batch) {
	for _, k := range b.Deletes {
		pipe.Del(ctx, s.key(k))
	}
	for k, v := range b.Puts {
		pipe.Set(ctx, s.key(k), v, 0)
	}
}

// Close releases the connection.
func (s *Store) Close() error { return s.client.Close() }
