package tokenbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

// AccountID is the program account holding the bank balances.
const AccountID = "tokenbank/balances"

// balancesKey holds the bank balances in a KVStore. Its prefix is disjoint
// from the contract storage prefixes.
var balancesKey = []byte{0x10}

// State is the persisted snapshot of every balance.
type State interface {
	// Load returns storage.ErrNotFound when nothing has been stored yet.
	Load(ctx context.Context) ([]byte, error)
	// Swap replaces the snapshot with next only if it still equals prev. A nil
	// prev creates the snapshot. It returns storage.ErrConflict otherwise.
	Swap(ctx context.Context, prev, next []byte) error
}

type accountState struct {
	store storage.AccountStore
}

// AccountState keeps the balances in a single program account.
func AccountState(store storage.AccountStore) State {
	return accountState{store: store}
}

func (s accountState) Load(ctx context.Context) ([]byte, error) {
	acct, err := s.store.GetAccount(ctx, AccountID)
	if err != nil {
		return nil, err
	}
	return acct.Data, nil
}

func (s accountState) Swap(ctx context.Context, prev, next []byte) error {
	if prev == nil {
		err := s.store.CreateAccount(ctx, AccountID, next)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.ErrConflict
		}
		return err
	}
	err := s.store.SwapAccount(ctx, AccountID, prev, next)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrConflict
	}
	return err
}

type kvState struct {
	store storage.KVStore
}

// KVState keeps the balances under a single key of a KVStore.
func KVState(store storage.KVStore) State {
	return kvState{store: store}
}

func (s kvState) Load(ctx context.Context) ([]byte, error) {
	return s.store.Get(ctx, balancesKey)
}

func (s kvState) Swap(ctx context.Context, prev, next []byte) error {
	batch := storage.NewBatch()
	batch.Expect(balancesKey, prev)
	batch.Put(balancesKey, next)
	return s.store.Commit(ctx, batch)
}

func encodeBalances(balances map[coinjoin.Address]uint64) ([]byte, error) {
	out := make(map[coinjoin.Address]uint64, len(balances))
	for addr, amount := range balances {
		if amount > 0 {
			out[addr] = amount
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode balances: %w", err)
	}
	return data, nil
}

func decodeBalances(data []byte) (map[coinjoin.Address]uint64, error) {
	balances := make(map[coinjoin.Address]uint64)
	if err := json.Unmarshal(data, &balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	return balances, nil
}
