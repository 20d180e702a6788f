// Package ledger defines the collaborators of the pool state machine and the
// capability set every ledger adapter exposes.
package ledger

import (
	"context"
	"time"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// TokenTransfer is the fungible token primitive. TransferBatch applies every
// leg or none.
type TokenTransfer interface {
	Transfer(ctx context.Context, from, to coinjoin.Address, amount uint64) error
	TransferBatch(ctx context.Context, moves []coinjoin.Transfer) error
}

// VaultDeriver produces the custody address of a pool. No private key
// controls a derived vault.
type VaultDeriver interface {
	DeriveVault(poolID string) (coinjoin.Address, error)
}

// Clock supplies the ledger time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC, truncated to seconds like ledger
// timestamps.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Second) }

// PoolHandle is what an adapter returns when a pool is created or found.
type PoolHandle struct {
	PoolID string
	Vault  coinjoin.Address
	Params coinjoin.PoolParams
}

// StateMachine is the pool state machine bound to a concrete ledger. Every
// method is atomic: on error the persisted pool is unchanged.
type StateMachine interface {
	// InitPool creates the pool for params.Denomination. It returns
	// ErrPoolAlreadyExists together with the existing handle when the ledger
	// already holds that pool.
	InitPool(ctx context.Context, params coinjoin.PoolParams) (PoolHandle, error)
	AdmitDeposit(ctx context.Context, denomination uint64, req coinjoin.DepositRequest) (coinjoin.DepositReceipt, error)
	Settle(ctx context.Context, denomination uint64, req coinjoin.MixRequest) (coinjoin.MixResult, []string, error)
	Query(ctx context.Context, denomination uint64) (coinjoin.PoolStats, error)
	DepositDetails(ctx context.Context, denomination uint64, index int) (coinjoin.DepositInfo, error)
	// PendingRecipients resolves the receiving addresses of the first max
	// queued deposits. It exists for the settlement path only and must not be
	// exposed to public readers.
	PendingRecipients(ctx context.Context, denomination uint64, max uint32) ([]coinjoin.Address, error)
	PruneExpired(ctx context.Context, denomination uint64) (coinjoin.PruneResult, error)
}
