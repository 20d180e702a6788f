package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]storage.Account
	kv       map[string][]byte
	rounds   map[string]coinjoin.Round
	// roundOrder preserves insertion order per denomination.
	roundOrder map[uint64][]string
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.KVStore = (*Store)(nil)
var _ storage.RoundStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:   make(map[string]storage.Account),
		kv:         make(map[string][]byte),
		rounds:     make(map[string]coinjoin.Round),
		roundOrder: make(map[uint64][]string),
	}
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[id]; exists {
		return storage.ErrAlreadyExists
	}
	s.accounts[id] = storage.Account{ID: id, Data: cloneBytes(data), UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	acct.Data = cloneBytes(acct.Data)
	return acct, nil
}

func (s *Store) SwapAccount(_ context.Context, id string, prev, next []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !bytes.Equal(acct.Data, prev) {
		return storage.ErrConflict
	}
	acct.Data = cloneBytes(next)
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[id] = acct
	return nil
}

func (s *Store) ListAccounts(_ context.Context, prefix string) ([]storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Account, 0)
	for id, acct := range s.accounts {
		if strings.HasPrefix(id, prefix) {
			acct.Data = cloneBytes(acct.Data)
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// KVStore implementation ------------------------------------------------------

func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.kv[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneBytes(v), nil
}

func (s *Store) Commit(ctx context.Context, b *storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, want := range b.Expects {
		got, ok := s.kv[k]
		if want == nil {
			if ok {
				return storage.ErrConflict
			}
			continue
		}
		if !ok || !bytes.Equal(got, want) {
			return storage.ErrConflict
		}
	}
	for _, k := range b.Deletes {
		delete(s.kv, k)
	}
	for k, v := range b.Puts {
		s.kv[k] = cloneBytes(v)
	}
	return nil
}

// RoundStore implementation ---------------------------------------------------

func (s *Store) CreateRound(_ context.Context, round coinjoin.Round) (coinjoin.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round.ID == "" {
		round.ID = uuid.NewString()
	} else if _, exists := s.rounds[round.ID]; exists {
		return coinjoin.Round{}, storage.ErrAlreadyExists
	}
	round = cloneRound(round)
	s.rounds[round.ID] = round
	s.roundOrder[round.Denomination] = append(s.roundOrder[round.Denomination], round.ID)
	return cloneRound(round), nil
}

func (s *Store) GetRound(_ context.Context, id string) (coinjoin.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	round, ok := s.rounds[id]
	if !ok {
		return coinjoin.Round{}, storage.ErrNotFound
	}
	return cloneRound(round), nil
}

func (s *Store) ListRounds(_ context.Context, denomination uint64, limit int) ([]coinjoin.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.roundOrder[denomination]
	out := make([]coinjoin.Round, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneRound(s.rounds[ids[i]]))
	}
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneRound(r coinjoin.Round) coinjoin.Round {
	if r.Commitments != nil {
		r.Commitments = append([]string(nil), r.Commitments...)
	}
	return r
}
