// Package pool implements the denomination pool state machine: admission of
// fixed-size deposits into a bounded FIFO queue backed by an escrow balance,
// front-truncation on settlement, and read projections for monitors.
//
// Pool values are not safe for concurrent use. Callers apply an operation to a
// Clone and replace the original only when the whole operation succeeded.
package pool

import (
	"fmt"
	"time"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// Pool is the state of one denomination pool.
type Pool struct {
	ID               string              `json:"id"`
	Params           coinjoin.PoolParams `json:"params"`
	Vault            coinjoin.Address    `json:"vault"`
	Queue            Ring                `json:"queue"`
	VaultBalance     uint64              `json:"vault_balance"`
	AccruedFees      uint64              `json:"accrued_fees"`
	TotalDeposits    uint64              `json:"total_deposits"`
	TotalWithdrawals uint64              `json:"total_withdrawals"`
	Rounds           uint64              `json:"rounds"`
}

// New creates an empty pool.
func New(id string, params coinjoin.PoolParams, vault coinjoin.Address) (*Pool, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if vault.IsZero() {
		return nil, fmt.Errorf("%w: empty vault", coinjoin.ErrInvalidAddress)
	}
	return &Pool{
		ID:     id,
		Params: params,
		Vault:  vault,
		Queue:  NewRing(params.MaxPoolSize),
	}, nil
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	cp := *p
	cp.Queue = p.Queue.Clone()
	return &cp
}

// Size returns current_pool_size.
func (p *Pool) Size() uint32 { return uint32(p.Queue.Len()) }

// Ready reports whether a full-queue round would meet the minimum size.
func (p *Pool) Ready() bool { return p.Size() >= p.Params.MinPoolSize }

// Admit validates rec against the pool and appends it. On error p is left
// unchanged.
func (p *Pool) Admit(rec coinjoin.DepositRecord, amount uint64, now time.Time) error {
	if rec.Depositor.IsZero() || rec.ReceivingAddress.IsZero() {
		return coinjoin.ErrInvalidAddress
	}
	if amount != p.Params.Denomination {
		return fmt.Errorf("%w: got %d, want %d", coinjoin.ErrDenominationMismatch, amount, p.Params.Denomination)
	}
	if p.Size() >= p.Params.MaxPoolSize {
		return coinjoin.ErrPoolFull
	}
	if !rec.ExpiresAt.After(now) {
		return coinjoin.ErrExpiryInPast
	}
	if rec.MaxSlippageBps > coinjoin.MaxBasisPoints {
		return coinjoin.ErrInvalidSlippageBounds
	}
	for _, queued := range p.Queue.Items() {
		if queued.Depositor == rec.Depositor {
			return coinjoin.ErrDuplicateDepositor
		}
	}
	balance, err := AddChecked(p.VaultBalance, amount)
	if err != nil {
		return err
	}
	total, err := AddChecked(p.TotalDeposits, 1)
	if err != nil {
		return err
	}

	// Arrival order is authoritative; never let a record predate its predecessor.
	if n := p.Queue.Len(); n > 0 {
		last, _ := p.Queue.At(n - 1)
		if rec.CreatedAt.Before(last.CreatedAt) {
			rec.CreatedAt = last.CreatedAt
		}
	}
	if err := p.Queue.Push(rec); err != nil {
		return err
	}
	p.VaultBalance = balance
	p.TotalDeposits = total
	return nil
}

// SettleFront removes the first k deposits after their payouts and fees have
// been computed. totalFees moves from the escrow into AccruedFees.
func (p *Pool) SettleFront(k int, totalFees uint64) ([]coinjoin.DepositRecord, error) {
	if k <= 0 || k > p.Queue.Len() {
		return nil, coinjoin.ErrInsufficientParticipants
	}
	owed, err := MulChecked(uint64(k), p.Params.Denomination)
	if err != nil {
		return nil, err
	}
	balance, err := SubChecked(p.VaultBalance, owed)
	if err != nil {
		return nil, err
	}
	fees, err := AddChecked(p.AccruedFees, totalFees)
	if err != nil {
		return nil, err
	}
	withdrawals, err := AddChecked(p.TotalWithdrawals, uint64(k))
	if err != nil {
		return nil, err
	}

	settled := p.Queue.DropFront(k)
	p.VaultBalance = balance
	p.AccruedFees = fees
	p.TotalWithdrawals = withdrawals
	p.Rounds++
	return settled, nil
}

// RemoveExpired drops every deposit expired at now and returns them in
// arrival order. Remaining deposits keep their relative order.
func (p *Pool) RemoveExpired(now time.Time) ([]coinjoin.DepositRecord, error) {
	expired := 0
	for _, rec := range p.Queue.Items() {
		if rec.Expired(now) {
			expired++
		}
	}
	if expired == 0 {
		return nil, nil
	}
	owed, err := MulChecked(uint64(expired), p.Params.Denomination)
	if err != nil {
		return nil, err
	}
	balance, err := SubChecked(p.VaultBalance, owed)
	if err != nil {
		return nil, err
	}
	removed := p.Queue.Retain(func(rec coinjoin.DepositRecord) bool { return !rec.Expired(now) })
	p.VaultBalance = balance
	return removed, nil
}

// CheckInvariants verifies the custody and queue invariants.
func (p *Pool) CheckInvariants() error {
	size := p.Queue.Len()
	if size > int(p.Params.MaxPoolSize) || p.Queue.Cap() != int(p.Params.MaxPoolSize) {
		return fmt.Errorf("pool %s: queue length %d exceeds capacity %d", p.ID, size, p.Params.MaxPoolSize)
	}
	want, err := MulChecked(uint64(size), p.Params.Denomination)
	if err != nil {
		return err
	}
	if p.VaultBalance != want {
		return fmt.Errorf("pool %s: vault balance %d, want %d for %d deposits", p.ID, p.VaultBalance, want, size)
	}
	return nil
}
