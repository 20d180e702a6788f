// Package ledgertest holds the behaviour suite every ledger adapter must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger"
	"github.com/R3E-Network/coinjoin/internal/app/ledger/tokenbank"
)

// Start is the initial time of every FakeClock.
var Start = time.Unix(1_700_000_000, 0).UTC()

// FakeClock is a settable ledger clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock set to Start.
func NewFakeClock() *FakeClock { return &FakeClock{now: Start} }

// Now implements ledger.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Harness is one freshly built adapter.
type Harness struct {
	Machine ledger.StateMachine
	Bank    *tokenbank.Bank
	Clock   *FakeClock
	// Addr maps a label to an address the adapter accepts.
	Addr func(label string) coinjoin.Address
}

// Factory builds an empty adapter for each subtest.
type Factory func(t *testing.T) Harness

const denom = 10_000_000

func stdParams(min, max uint32) coinjoin.PoolParams {
	return coinjoin.PoolParams{Denomination: denom, FeeBps: 10, MinPoolSize: min, MaxPoolSize: max}
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"full round drains vault", testFullRound},
		{"denomination mismatch", testDenominationMismatch},
		{"insufficient participants", testInsufficientParticipants},
		{"recipient count mismatch", testRecipientCountMismatch},
		{"init pool twice", testInitTwice},
		{"fifo with max deposits", testFIFOMaxDeposits},
		{"pool full", testPoolFull},
		{"failed escrow leaves pool unchanged", testFailedEscrow},
		{"failed payout rolls back", testFailedPayout},
		{"prune refunds expired", testPrune},
		{"expired cohort blocks round", testExpiredBlocksRound},
		{"deposit details", testDepositDetails},
		{"unknown pool", testUnknownPool},
		{"reads during settlement", testReadsDuringSettlement},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t))
		})
	}
}

func setup(t *testing.T, h Harness, params coinjoin.PoolParams) ledger.PoolHandle {
	t.Helper()
	handle, err := h.Machine.InitPool(context.Background(), params)
	require.NoError(t, err)
	require.False(t, handle.Vault.IsZero())
	return handle
}

func deposit(t *testing.T, h Harness, i int) (coinjoin.DepositReceipt, error) {
	t.Helper()
	ctx := context.Background()
	from := h.Addr(fmt.Sprintf("depositor-%d", i))
	require.NoError(t, h.Bank.Mint(ctx, from, denom))
	return h.Machine.AdmitDeposit(ctx, denom, coinjoin.DepositRequest{
		Amount:           denom,
		Depositor:        from,
		ReceivingAddress: h.Addr(fmt.Sprintf("fresh-%d", i)),
	})
}

func fill(t *testing.T, h Harness, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := deposit(t, h, i)
		require.NoError(t, err, "deposit %d", i)
	}
}

func recipients(h Harness, from, n int) []coinjoin.Address {
	out := make([]coinjoin.Address, n)
	for i := range out {
		out[i] = h.Addr(fmt.Sprintf("fresh-%d", from+i))
	}
	return out
}

func testFullRound(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))
	fill(t, h, 3)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.CurrentPoolSize)
	require.Equal(t, uint64(3*denom), stats.VaultBalance)
	require.True(t, stats.Ready)
	require.Equal(t, uint64(3*denom), h.Bank.Balance(ctx, handle.Vault))

	res, commitments, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
	require.NoError(t, err)
	require.Equal(t, uint32(3), res.AnonymitySetSize)
	require.Equal(t, uint64(30_000), res.FeesPaid)
	require.Equal(t, []uint64{9_990_000, 9_990_000, 9_990_000}, res.MixedAmounts)
	require.Len(t, commitments, 3)

	stats, err = h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Zero(t, stats.CurrentPoolSize)
	require.Zero(t, stats.VaultBalance)
	require.Equal(t, uint64(30_000), stats.AccruedFees)
	require.Equal(t, uint64(1), stats.Rounds)
	require.Equal(t, uint64(3), stats.TotalWithdrawals)

	for i := 0; i < 3; i++ {
		require.Equal(t, uint64(9_990_000), h.Bank.Balance(ctx, h.Addr(fmt.Sprintf("fresh-%d", i))))
	}
	// Fees stay in the vault account, outside the escrow balance.
	require.Equal(t, uint64(30_000), h.Bank.Balance(ctx, handle.Vault))
}

func testDenominationMismatch(t *testing.T, h Harness) {
	ctx := context.Background()
	setup(t, h, stdParams(3, 5))
	from := h.Addr("short")
	require.NoError(t, h.Bank.Mint(ctx, from, denom))

	_, err := h.Machine.AdmitDeposit(ctx, denom, coinjoin.DepositRequest{
		Amount:           9_999_999,
		Depositor:        from,
		ReceivingAddress: h.Addr("fresh"),
	})
	require.ErrorIs(t, err, coinjoin.ErrDenominationMismatch)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Zero(t, stats.CurrentPoolSize)
	require.Zero(t, stats.VaultBalance)
	require.Equal(t, uint64(denom), h.Bank.Balance(ctx, from))
}

func testInsufficientParticipants(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))
	fill(t, h, 2)
	journal := len(h.Bank.Journal())

	_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 2)})
	require.ErrorIs(t, err, coinjoin.ErrInsufficientParticipants)
	require.Len(t, h.Bank.Journal(), journal, "no transfers may occur")
	require.Equal(t, uint64(2*denom), h.Bank.Balance(ctx, handle.Vault))
}

func testRecipientCountMismatch(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))
	fill(t, h, 3)

	_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 2)})
	require.ErrorIs(t, err, coinjoin.ErrRecipientCountMismatch)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.CurrentPoolSize)
	require.Equal(t, uint64(3*denom), stats.VaultBalance)
	require.Equal(t, uint64(3*denom), h.Bank.Balance(ctx, handle.Vault))
}

func testInitTwice(t *testing.T, h Harness) {
	first := setup(t, h, stdParams(3, 5))
	again, err := h.Machine.InitPool(context.Background(), stdParams(2, 4))
	require.ErrorIs(t, err, coinjoin.ErrPoolAlreadyExists)
	require.Equal(t, first, again)
}

func testFIFOMaxDeposits(t *testing.T, h Harness) {
	ctx := context.Background()
	setup(t, h, stdParams(2, 5))
	fill(t, h, 5)

	pending, err := h.Machine.PendingRecipients(ctx, denom, 3)
	require.NoError(t, err)
	require.Equal(t, recipients(h, 0, 3), pending)

	_, _, err = h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: pending, MaxDeposits: 3})
	require.NoError(t, err)

	rest, err := h.Machine.PendingRecipients(ctx, denom, 0)
	require.NoError(t, err)
	require.Equal(t, recipients(h, 3, 2), rest)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint64(2*denom), stats.VaultBalance)

	// The ring wraps once the freed slots are reused.
	for i := 5; i < 8; i++ {
		_, err := deposit(t, h, i)
		require.NoError(t, err)
	}
	all, err := h.Machine.PendingRecipients(ctx, denom, 0)
	require.NoError(t, err)
	require.Equal(t, recipients(h, 3, 5), all)
}

func testPoolFull(t *testing.T, h Harness) {
	setup(t, h, stdParams(2, 3))
	fill(t, h, 3)
	_, err := deposit(t, h, 3)
	require.ErrorIs(t, err, coinjoin.ErrPoolFull)
}

func testFailedEscrow(t *testing.T, h Harness) {
	ctx := context.Background()
	setup(t, h, stdParams(3, 5))
	from := h.Addr("broke")

	_, err := h.Machine.AdmitDeposit(ctx, denom, coinjoin.DepositRequest{
		Amount:           denom,
		Depositor:        from,
		ReceivingAddress: h.Addr("fresh"),
	})
	require.ErrorIs(t, err, coinjoin.ErrTransferFailed)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Zero(t, stats.CurrentPoolSize)
	require.Zero(t, stats.TotalDeposits)
}

func testFailedPayout(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))
	fill(t, h, 3)
	h.Bank.FailNextDebit(handle.Vault, errors.New("ledger unavailable"))

	_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
	require.ErrorIs(t, err, coinjoin.ErrTransferFailed)

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.CurrentPoolSize)
	require.Equal(t, uint64(3*denom), stats.VaultBalance)
	require.Zero(t, stats.Rounds)
	require.Equal(t, uint64(3*denom), h.Bank.Balance(ctx, handle.Vault))

	_, _, err = h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
	require.NoError(t, err, "round must succeed once the ledger recovers")
}

func testPrune(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))
	fill(t, h, 2)
	h.Clock.Advance(coinjoin.DefaultDepositLifetime)
	fill2 := func(i int) {
		_, err := deposit(t, h, i)
		require.NoError(t, err)
	}
	fill2(2)

	res, err := h.Machine.PruneExpired(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint32(2), res.Refunded)
	require.Equal(t, uint64(2*denom), res.Amount)
	for i := 0; i < 2; i++ {
		require.Equal(t, uint64(denom), h.Bank.Balance(ctx, h.Addr(fmt.Sprintf("depositor-%d", i))), "full refund, no fee")
	}

	stats, err := h.Machine.Query(ctx, denom)
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.CurrentPoolSize)
	require.Equal(t, uint64(denom), stats.VaultBalance)
	require.Equal(t, uint64(denom), h.Bank.Balance(ctx, handle.Vault))

	res, err = h.Machine.PruneExpired(ctx, denom)
	require.NoError(t, err)
	require.Zero(t, res.Refunded)
}

func testExpiredBlocksRound(t *testing.T, h Harness) {
	ctx := context.Background()
	setup(t, h, stdParams(3, 5))
	fill(t, h, 3)
	h.Clock.Advance(coinjoin.DefaultDepositLifetime)

	_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
	require.ErrorIs(t, err, coinjoin.ErrDepositExpired)
}

func testDepositDetails(t *testing.T, h Harness) {
	ctx := context.Background()
	setup(t, h, stdParams(3, 5))
	receipt, err := deposit(t, h, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), receipt.Position)
	require.Equal(t, uint32(1), receipt.PoolSize)
	require.Equal(t, uint64(10_000), receipt.FeeEstimate)
	require.Equal(t, coinjoin.Commit(receipt.DepositID, h.Addr("fresh-0")), receipt.Commitment)

	info, err := h.Machine.DepositDetails(ctx, denom, 0)
	require.NoError(t, err)
	require.Equal(t, Start.Add(coinjoin.DefaultDepositLifetime), info.ExpiresAt)
	require.Equal(t, Start, info.CreatedAt)
	require.Equal(t, uint64(10_000), info.FeeEstimate)

	_, err = h.Machine.DepositDetails(ctx, denom, 1)
	require.ErrorIs(t, err, coinjoin.ErrInvalidIndex)
}

func testUnknownPool(t *testing.T, h Harness) {
	_, err := h.Machine.Query(context.Background(), denom)
	require.ErrorIs(t, err, coinjoin.ErrPoolNotFound)
}

func testReadsDuringSettlement(t *testing.T, h Harness) {
	ctx := context.Background()
	handle := setup(t, h, stdParams(3, 5))

	var (
		failures atomic.Int64
		lastErr  atomic.Value
		stop     = make(chan struct{})
		once     sync.Once
		wg       sync.WaitGroup
	)
	halt := func() {
		once.Do(func() { close(stop) })
		wg.Wait()
	}
	defer halt()
	fail := func(err error) {
		failures.Add(1)
		lastErr.Store(err.Error())
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				stats, err := h.Machine.Query(ctx, denom)
				if err != nil {
					fail(err)
					continue
				}
				if stats.VaultBalance != uint64(stats.CurrentPoolSize)*denom {
					fail(fmt.Errorf("vault %d for %d deposits", stats.VaultBalance, stats.CurrentPoolSize))
				}
				if _, err := h.Machine.PendingRecipients(ctx, denom, 0); err != nil {
					fail(err)
				}
				if _, err := h.Machine.DepositDetails(ctx, denom, 0); err != nil && !errors.Is(err, coinjoin.ErrInvalidIndex) {
					fail(err)
				}
			}
		}()
	}

	for round := 0; round < 200; round++ {
		fill(t, h, 3)
		if round%10 == 0 {
			h.Bank.FailNextDebit(handle.Vault, errors.New("ledger unavailable"))
			_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
			require.ErrorIs(t, err, coinjoin.ErrTransferFailed)
		}
		_, _, err := h.Machine.Settle(ctx, denom, coinjoin.MixRequest{Recipients: recipients(h, 0, 3)})
		require.NoError(t, err, "round %d", round)
	}
	halt()

	require.Zero(t, failures.Load(), "last reader error: %v", lastErr.Load())
}
