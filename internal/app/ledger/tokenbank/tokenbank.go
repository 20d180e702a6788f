// Package tokenbank is a fungible token engine. It backs the
// ledger adapters in development and tests, where no external token contract
// is reachable.
//
// Transfer flow:
//  1. Mint credits an account out of thin air (faucet, test setup)
//  2. Transfer debits one account and credits another
//  3. TransferBatch checks every leg against a scratch copy, then applies all
//
// A bank built with NewPersistent keeps its balances in a State, written with
// compare-and-swap, so vault escrow survives restarts alongside the pools.
package tokenbank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

// Entry types.
const (
	TxTypeMint     = "mint"
	TxTypeTransfer = "transfer"
)

// ErrInsufficientBalance is returned when a debit exceeds the balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Entry is one journal line.
type Entry struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	From      coinjoin.Address `json:"from,omitempty"`
	To        coinjoin.Address `json:"to"`
	Amount    uint64           `json:"amount"`
	CreatedAt time.Time        `json:"created_at"`
}

// maxSwapAttempts bounds the retries of a mutation that lost a
// compare-and-swap race against another process sharing the state.
const maxSwapAttempts = 16

// Bank holds balances in memory, optionally backed by a persisted State. It is
// safe for concurrent use.
type Bank struct {
	mu       sync.RWMutex
	state    State
	balances map[coinjoin.Address]uint64
	journal  []Entry
	// failNext makes the next debit from an address fail; used to exercise
	// rollback paths.
	failNext map[coinjoin.Address]error
}

// New returns an empty bank whose balances live only in memory.
func New() *Bank {
	return &Bank{
		balances: make(map[coinjoin.Address]uint64),
		failNext: make(map[coinjoin.Address]error),
	}
}

// NewPersistent returns a bank whose balances are read from and written to
// state on every operation, so escrowed funds survive restarts and are
// shared by every process using the same state.
func NewPersistent(state State) *Bank {
	b := New()
	b.state = state
	return b
}

// Mint credits amount to addr.
func (b *Bank) Mint(ctx context.Context, addr coinjoin.Address, amount uint64) error {
	if addr.IsZero() {
		return coinjoin.ErrInvalidAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.mutate(ctx, func(balances map[coinjoin.Address]uint64) error {
		next := balances[addr] + amount
		if next < amount {
			return coinjoin.ErrArithmeticOverflow
		}
		balances[addr] = next
		return nil
	})
	if err != nil {
		return err
	}
	b.journal = append(b.journal, Entry{ID: uuid.NewString(), Type: TxTypeMint, To: addr, Amount: amount, CreatedAt: time.Now().UTC()})
	return nil
}

// Balance returns the balance of addr. With a persisted state it reads the
// stored balance and falls back to the last known one when the read fails.
func (b *Bank) Balance(ctx context.Context, addr coinjoin.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != nil {
		if err := b.refresh(ctx); err != nil {
			return b.balances[addr]
		}
	}
	return b.balances[addr]
}

// Transfer moves amount from one account to another.
func (b *Bank) Transfer(ctx context.Context, from, to coinjoin.Address, amount uint64) error {
	return b.TransferBatch(ctx, []coinjoin.Transfer{{From: from, To: to, Amount: amount}})
}

// TransferBatch applies every leg or none.
func (b *Bank) TransferBatch(ctx context.Context, moves []coinjoin.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, mv := range moves {
		if mv.From.IsZero() || mv.To.IsZero() {
			return fmt.Errorf("leg %d: %w", i, coinjoin.ErrInvalidAddress)
		}
		if err, ok := b.failNext[mv.From]; ok {
			delete(b.failNext, mv.From)
			return fmt.Errorf("leg %d: %w", i, err)
		}
	}

	err := b.mutate(ctx, func(balances map[coinjoin.Address]uint64) error {
		for i, mv := range moves {
			available := balances[mv.From]
			if mv.Amount > available {
				return fmt.Errorf("leg %d: %w: available %d, required %d", i, ErrInsufficientBalance, available, mv.Amount)
			}
			balances[mv.From] = available - mv.Amount
			credited := balances[mv.To] + mv.Amount
			if credited < mv.Amount {
				return fmt.Errorf("leg %d: %w", i, coinjoin.ErrArithmeticOverflow)
			}
			balances[mv.To] = credited
		}
		return nil
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, mv := range moves {
		b.journal = append(b.journal, Entry{ID: uuid.NewString(), Type: TxTypeTransfer, From: mv.From, To: mv.To, Amount: mv.Amount, CreatedAt: now})
	}
	return nil
}

// mutate applies fn to a scratch copy of the balances and installs the copy
// only when fn succeeds. With a persisted state the copy starts from the
// stored snapshot and is written back with compare-and-swap, retrying when
// another writer got there first. Callers hold b.mu.
func (b *Bank) mutate(ctx context.Context, fn func(map[coinjoin.Address]uint64) error) error {
	if b.state == nil {
		scratch := cloneBalances(b.balances)
		if err := fn(scratch); err != nil {
			return err
		}
		b.balances = scratch
		return nil
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		prev, current, err := b.load(ctx)
		if err != nil {
			return err
		}
		scratch := cloneBalances(current)
		if err := fn(scratch); err != nil {
			b.balances = current
			return err
		}
		next, err := encodeBalances(scratch)
		if err != nil {
			return err
		}
		err = b.state.Swap(ctx, prev, next)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("persist balances: %w", err)
		}
		b.balances = scratch
		return nil
	}
	return fmt.Errorf("persist balances: %w after %d attempts", storage.ErrConflict, maxSwapAttempts)
}

func (b *Bank) refresh(ctx context.Context) error {
	_, current, err := b.load(ctx)
	if err != nil {
		return err
	}
	b.balances = current
	return nil
}

// load returns the raw stored snapshot, nil when none exists yet, and its
// decoded balances.
func (b *Bank) load(ctx context.Context) ([]byte, map[coinjoin.Address]uint64, error) {
	raw, err := b.state.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, make(map[coinjoin.Address]uint64), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load balances: %w", err)
	}
	balances, err := decodeBalances(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, balances, nil
}

func cloneBalances(in map[coinjoin.Address]uint64) map[coinjoin.Address]uint64 {
	out := make(map[coinjoin.Address]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// FailNextDebit makes the next transfer leg debiting addr fail with err.
func (b *Bank) FailNextDebit(addr coinjoin.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[addr] = err
}

// Journal returns a copy of the recorded entries, oldest first.
func (b *Bank) Journal() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.journal))
	copy(out, b.journal)
	return out
}

// Supply returns the sum of the last known balances.
func (b *Bank) Supply() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, v := range b.balances {
		total += v
	}
	return total
}
