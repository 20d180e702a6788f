// Package program binds the pool state machine to an account-model ledger:
// each pool is a single serialized account owned by the mixing program, and
// its vault is a program-derived address with no private key.
package program

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/coinjoin/internal/app/core/pool"
	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// AddressSize is the decoded length of an account address.
const AddressSize = 32

var vaultSalt = []byte("coinjoin-vault")

// Backend stores pools as program accounts.
type Backend struct {
	store storage.AccountStore
	seed  []byte
}

var _ ledger.Backend = (*Backend)(nil)

// New returns a backend over store. seed identifies the program; vaults of
// different programs never collide.
func New(store storage.AccountStore, seed []byte) *Backend {
	return &Backend{store: store, seed: append([]byte(nil), seed...)}
}

// NewMachine builds a state machine on a program backend.
func NewMachine(store storage.AccountStore, token ledger.TokenTransfer, seed []byte, clock ledger.Clock, log *logger.Logger) *ledger.Machine {
	return ledger.NewMachine(New(store, seed), token, clock, log)
}

// PoolID implements ledger.Backend.
func (b *Backend) PoolID(denomination uint64) string {
	return fmt.Sprintf("pool/%d", denomination)
}

// ValidateAddress accepts base58 encoded 32-byte account keys.
func (b *Backend) ValidateAddress(addr coinjoin.Address) error {
	raw, err := base58.Decode(addr.String())
	if err != nil || len(raw) != AddressSize {
		return fmt.Errorf("%w: %q is not an account address", coinjoin.ErrInvalidAddress, addr)
	}
	return nil
}

// DeriveVault implements ledger.VaultDeriver.
func (b *Backend) DeriveVault(poolID string) (coinjoin.Address, error) {
	reader := hkdf.New(sha256.New, b.seed, vaultSalt, []byte(poolID))
	key := make([]byte, AddressSize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", err
	}
	return coinjoin.Address(base58.Encode(key)), nil
}

// Load implements ledger.Backend.
func (b *Backend) Load(ctx context.Context, poolID string) (*pool.Pool, error) {
	acct, err := b.store.GetAccount(ctx, poolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, coinjoin.ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	var p pool.Pool
	if err := json.Unmarshal(acct.Data, &p); err != nil {
		return nil, fmt.Errorf("decode pool account %s: %w", poolID, err)
	}
	return &p, nil
}

// Create implements ledger.Backend.
func (b *Backend) Create(ctx context.Context, p *pool.Pool) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := b.store.CreateAccount(ctx, p.ID, data); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return coinjoin.ErrPoolAlreadyExists
		}
		return err
	}
	return nil
}

// Save implements ledger.Backend. The write fails with storage.ErrConflict
// when another writer changed the account since prev was loaded.
func (b *Backend) Save(ctx context.Context, prev, next *pool.Pool) error {
	if err := next.CheckInvariants(); err != nil {
		return err
	}
	before, err := json.Marshal(prev)
	if err != nil {
		return err
	}
	after, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return b.store.SwapAccount(ctx, next.ID, before, after)
}
