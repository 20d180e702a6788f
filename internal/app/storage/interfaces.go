package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrConflict is returned when a compare-and-swap finds different data.
	ErrConflict = errors.New("storage: concurrent modification")
)

// Account is an opaque program account: an id and its serialized data.
type Account struct {
	ID        string    `db:"id"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AccountStore persists program accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, id string, data []byte) error
	GetAccount(ctx context.Context, id string) (Account, error)
	// SwapAccount replaces the data of id with next only if it currently
	// equals prev.
	SwapAccount(ctx context.Context, id string, prev, next []byte) error
	ListAccounts(ctx context.Context, prefix string) ([]Account, error)
}

// Batch is a set of key writes applied together. Expects guards the commit:
// every listed key must hold the given value, and a nil value means the key
// must be absent.
type Batch struct {
	Puts    map[string][]byte
	Deletes []string
	Expects map[string][]byte
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{Puts: make(map[string][]byte), Expects: make(map[string][]byte)}
}

// Expect makes the commit fail with ErrConflict unless key holds value when
// the batch is applied. A nil value expects the key to be absent.
func (b *Batch) Expect(key, value []byte) {
	if b.Expects == nil {
		b.Expects = make(map[string][]byte)
	}
	if value == nil {
		b.Expects[string(key)] = nil
		return
	}
	b.Expects[string(key)] = append([]byte{}, value...)
}

// Put records a write of value under key.
func (b *Batch) Put(key, value []byte) {
	b.Puts[string(key)] = value
}

// Delete records the removal of key.
func (b *Batch) Delete(key []byte) {
	k := string(key)
	delete(b.Puts, k)
	b.Deletes = append(b.Deletes, k)
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int { return len(b.Puts) + len(b.Deletes) }

// KVStore is byte-keyed storage with atomic batch commits.
type KVStore interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Commit applies every put and delete of b or none of them. It returns
	// ErrConflict, and writes nothing, when an expectation of b does not hold.
	Commit(ctx context.Context, b *Batch) error
}

// RoundStore keeps the audit trail of settled rounds.
type RoundStore interface {
	CreateRound(ctx context.Context, round coinjoin.Round) (coinjoin.Round, error)
	GetRound(ctx context.Context, id string) (coinjoin.Round, error)
	// ListRounds returns rounds of a denomination, newest first. A zero limit
	// returns all of them.
	ListRounds(ctx context.Context, denomination uint64, limit int) ([]coinjoin.Round, error)
}
