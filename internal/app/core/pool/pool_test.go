package pool

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

func newTestPool(t *testing.T, min, max uint32) *Pool {
	t.Helper()
	p, err := New("pool/10000000", coinjoin.PoolParams{
		Denomination: 10_000_000,
		FeeBps:       10,
		MinPoolSize:  min,
		MaxPoolSize:  max,
	}, "vault")
	require.NoError(t, err)
	return p
}

func record(i int) coinjoin.DepositRecord {
	return coinjoin.DepositRecord{
		ID:               fmt.Sprintf("dep-%d", i),
		Depositor:        coinjoin.Address(fmt.Sprintf("depositor-%d", i)),
		ReceivingAddress: coinjoin.Address(fmt.Sprintf("fresh-%d", i)),
		ExpiresAt:        testNow.Add(time.Hour),
		CreatedAt:        testNow.Add(time.Duration(i) * time.Second),
	}
}

func TestNewRejectsBadBounds(t *testing.T) {
	_, err := New("x", coinjoin.PoolParams{Denomination: 1, MinPoolSize: 5, MaxPoolSize: 3}, "vault")
	require.ErrorIs(t, err, coinjoin.ErrInvalidBounds)

	_, err = New("x", coinjoin.PoolParams{Denomination: 1, MinPoolSize: 0, MaxPoolSize: 3}, "vault")
	require.ErrorIs(t, err, coinjoin.ErrInvalidBounds)

	_, err = New("x", coinjoin.DefaultPoolParams(1), "")
	require.ErrorIs(t, err, coinjoin.ErrInvalidAddress)
}

func TestAdmitMaintainsInvariants(t *testing.T) {
	p := newTestPool(t, 3, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Admit(record(i), 10_000_000, testNow))
		require.NoError(t, p.CheckInvariants())
		assert.Equal(t, uint32(i+1), p.Size())
	}
	assert.Equal(t, uint64(50_000_000), p.VaultBalance)
	assert.Equal(t, uint64(5), p.TotalDeposits)
}

func TestAdmitFailuresLeaveStateUnchanged(t *testing.T) {
	full := newTestPool(t, 1, 1)
	require.NoError(t, full.Admit(record(0), 10_000_000, testNow))

	base := newTestPool(t, 3, 5)
	require.NoError(t, base.Admit(record(0), 10_000_000, testNow))

	expired := record(1)
	expired.ExpiresAt = testNow

	slippage := record(2)
	slippage.MaxSlippageBps = 10_001

	duplicate := record(3)
	duplicate.Depositor = "depositor-0"

	noReceiver := record(4)
	noReceiver.ReceivingAddress = ""

	tests := []struct {
		name   string
		pool   *Pool
		rec    coinjoin.DepositRecord
		amount uint64
		want   error
	}{
		{"denomination mismatch", base, record(1), 9_999_999, coinjoin.ErrDenominationMismatch},
		{"excess amount", base, record(1), 10_000_001, coinjoin.ErrDenominationMismatch},
		{"pool full", full, record(1), 10_000_000, coinjoin.ErrPoolFull},
		{"expiry in past", base, expired, 10_000_000, coinjoin.ErrExpiryInPast},
		{"slippage bounds", base, slippage, 10_000_000, coinjoin.ErrInvalidSlippageBounds},
		{"duplicate depositor", base, duplicate, 10_000_000, coinjoin.ErrDuplicateDepositor},
		{"missing receiver", base, noReceiver, 10_000_000, coinjoin.ErrInvalidAddress},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.pool.Clone()
			err := tc.pool.Admit(tc.rec, tc.amount, testNow)
			require.ErrorIs(t, err, tc.want)
			if !reflect.DeepEqual(before, tc.pool) {
				t.Fatalf("pool mutated by failed admit")
			}
		})
	}
}

func TestAdmitKeepsTimestampsMonotonic(t *testing.T) {
	p := newTestPool(t, 1, 3)
	first := record(5)
	require.NoError(t, p.Admit(first, 10_000_000, testNow))

	late := record(1)
	require.NoError(t, p.Admit(late, 10_000_000, testNow))

	second, _ := p.Queue.At(1)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestSettleFrontIsFIFO(t *testing.T) {
	p := newTestPool(t, 2, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Admit(record(i), 10_000_000, testNow))
	}

	settled, err := p.SettleFront(3, 30_000)
	require.NoError(t, err)
	require.Len(t, settled, 3)
	for i, rec := range settled {
		assert.Equal(t, fmt.Sprintf("dep-%d", i), rec.ID)
	}
	assert.Equal(t, uint32(2), p.Size())
	assert.Equal(t, uint64(20_000_000), p.VaultBalance)
	assert.Equal(t, uint64(30_000), p.AccruedFees)
	assert.Equal(t, uint64(3), p.TotalWithdrawals)
	require.NoError(t, p.CheckInvariants())

	// The ring wraps: new deposits reuse freed slots and stay behind the survivors.
	for i := 5; i < 8; i++ {
		require.NoError(t, p.Admit(record(i), 10_000_000, testNow))
	}
	ids := []string{}
	for _, rec := range p.Queue.Items() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"dep-3", "dep-4", "dep-5", "dep-6", "dep-7"}, ids)
}

func TestSettleFrontDetectsVaultUnderflow(t *testing.T) {
	p := newTestPool(t, 1, 3)
	require.NoError(t, p.Admit(record(0), 10_000_000, testNow))
	p.VaultBalance = 1

	before := p.Clone()
	_, err := p.SettleFront(1, 0)
	require.ErrorIs(t, err, coinjoin.ErrVaultUnderflow)
	assert.Equal(t, before, p)
}

func TestRemoveExpiredKeepsOrder(t *testing.T) {
	p := newTestPool(t, 1, 5)
	for i := 0; i < 5; i++ {
		rec := record(i)
		if i%2 == 1 {
			rec.ExpiresAt = testNow.Add(time.Minute)
		}
		require.NoError(t, p.Admit(rec, 10_000_000, testNow))
	}

	removed, err := p.RemoveExpired(testNow.Add(2 * time.Minute))
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "dep-1", removed[0].ID)
	assert.Equal(t, "dep-3", removed[1].ID)

	ids := []string{}
	for _, rec := range p.Queue.Items() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"dep-0", "dep-2", "dep-4"}, ids)
	require.NoError(t, p.CheckInvariants())

	none, err := p.RemoveExpired(testNow)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatsAndWaitEstimate(t *testing.T) {
	p := newTestPool(t, 3, 5)
	require.NoError(t, p.Admit(record(0), 10_000_000, testNow))

	stats := p.Stats()
	assert.Equal(t, "10", stats.Symbol)
	assert.Equal(t, uint32(1), stats.CurrentPoolSize)
	assert.Equal(t, uint32(10), stats.EstimatedWaitBlocks)
	assert.False(t, stats.Ready)

	require.NoError(t, p.Admit(record(1), 10_000_000, testNow))
	require.NoError(t, p.Admit(record(2), 10_000_000, testNow))
	stats = p.Stats()
	assert.Equal(t, uint32(0), stats.EstimatedWaitBlocks)
	assert.True(t, stats.Ready)
}

func TestDepositInfoHidesIdentity(t *testing.T) {
	p := newTestPool(t, 3, 5)
	rec := record(0)
	rec.MinAmountOut = 9_000_000
	rec.MaxSlippageBps = 50
	require.NoError(t, p.Admit(rec, 10_000_000, testNow))

	info, err := p.DepositInfo(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000_000), info.MinAmountOut)
	assert.Equal(t, uint32(50), info.MaxSlippageBps)
	assert.Equal(t, uint64(10_000), info.FeeEstimate)

	_, err = p.DepositInfo(1)
	assert.True(t, errors.Is(err, coinjoin.ErrInvalidIndex))
	_, err = p.DepositInfo(-1)
	assert.True(t, errors.Is(err, coinjoin.ErrInvalidIndex))
}

func TestCloneIsIndependent(t *testing.T) {
	p := newTestPool(t, 1, 3)
	cp := p.Clone()
	require.NoError(t, cp.Admit(record(0), 10_000_000, testNow))
	assert.Equal(t, uint32(0), p.Size())
	assert.Equal(t, uint32(1), cp.Size())
}
