package mixing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/coinjoin/internal/app/core/pool"
	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

var now = time.Unix(1_700_000_000, 0).UTC()

func filledPool(t *testing.T, params coinjoin.PoolParams, n int) *pool.Pool {
	t.Helper()
	p, err := pool.New("pool", params, "vault")
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("dep-%d", i)
		rec := coinjoin.DepositRecord{
			ID:               id,
			Depositor:        coinjoin.Address(fmt.Sprintf("alice-%d", i)),
			ReceivingAddress: coinjoin.Address(fmt.Sprintf("fresh-%d", i)),
			ExpiresAt:        now.Add(time.Hour),
			CreatedAt:        now,
			Commitment:       coinjoin.Commit(id, coinjoin.Address(fmt.Sprintf("fresh-%d", i))),
		}
		if err := p.Admit(rec, params.Denomination, now); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	return p
}

func recipients(n int) []coinjoin.Address {
	out := make([]coinjoin.Address, n)
	for i := range out {
		out[i] = coinjoin.Address(fmt.Sprintf("fresh-%d", i))
	}
	return out
}

func params(min, max uint32) coinjoin.PoolParams {
	return coinjoin.PoolParams{Denomination: 10_000_000, FeeBps: 10, MinPoolSize: min, MaxPoolSize: max}
}

func TestBuildComputesExactFees(t *testing.T) {
	p := filledPool(t, params(3, 5), 3)
	plan, err := Build(p, coinjoin.MixRequest{Recipients: recipients(3)}, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Fee != 10_000 || plan.Payout != 9_990_000 {
		t.Fatalf("fee/payout = %d/%d, want 10000/9990000", plan.Fee, plan.Payout)
	}
	if plan.TotalPayout+plan.TotalFees != 3*10_000_000 {
		t.Fatalf("conservation violated: %d + %d", plan.TotalPayout, plan.TotalFees)
	}
	for i, tr := range plan.Transfers {
		if tr.From != "vault" || tr.To != recipients(3)[i] || tr.Amount != 9_990_000 {
			t.Fatalf("transfer %d = %+v", i, tr)
		}
	}
	if len(plan.Commitments) != 3 {
		t.Fatalf("expected 3 commitments, got %d", len(plan.Commitments))
	}
}

func TestBuildRejections(t *testing.T) {
	tests := []struct {
		name string
		pool func(t *testing.T) *pool.Pool
		req  coinjoin.MixRequest
		at   time.Time
		want error
	}{
		{
			name: "insufficient participants",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 2) },
			req:  coinjoin.MixRequest{Recipients: recipients(2)},
			want: coinjoin.ErrInsufficientParticipants,
		},
		{
			name: "recipient count mismatch",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 3) },
			req:  coinjoin.MixRequest{Recipients: recipients(2)},
			want: coinjoin.ErrRecipientCountMismatch,
		},
		{
			name: "too many recipients",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 3) },
			req:  coinjoin.MixRequest{Recipients: recipients(4)},
			want: coinjoin.ErrRecipientCountMismatch,
		},
		{
			name: "cap below minimum",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 5) },
			req:  coinjoin.MixRequest{Recipients: recipients(2), MaxDeposits: 2},
			want: coinjoin.ErrInsufficientParticipants,
		},
		{
			name: "reordered recipients",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 3) },
			req:  coinjoin.MixRequest{Recipients: []coinjoin.Address{"fresh-1", "fresh-0", "fresh-2"}},
			want: coinjoin.ErrRecipientMismatch,
		},
		{
			name: "redirected payout",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 3) },
			req:  coinjoin.MixRequest{Recipients: []coinjoin.Address{"fresh-0", "fresh-1", "mallory"}},
			want: coinjoin.ErrRecipientMismatch,
		},
		{
			name: "expired cohort",
			pool: func(t *testing.T) *pool.Pool { return filledPool(t, params(3, 5), 3) },
			req:  coinjoin.MixRequest{Recipients: recipients(3)},
			at:   now.Add(2 * time.Hour),
			want: coinjoin.ErrDepositExpired,
		},
		{
			name: "vault underflow",
			pool: func(t *testing.T) *pool.Pool {
				p := filledPool(t, params(3, 5), 3)
				p.VaultBalance -= 1
				return p
			},
			req:  coinjoin.MixRequest{Recipients: recipients(3)},
			want: coinjoin.ErrVaultUnderflow,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.pool(t)
			before := p.Clone()
			at := tc.at
			if at.IsZero() {
				at = now
			}
			if _, err := Build(p, tc.req, at); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if p.Size() != before.Size() || p.VaultBalance != before.VaultBalance {
				t.Fatalf("build mutated pool")
			}
		})
	}
}

func TestMaxDepositsSettlesOldestFirst(t *testing.T) {
	p := filledPool(t, params(2, 5), 5)
	plan, err := Build(p, coinjoin.MixRequest{Recipients: recipients(3), MaxDeposits: 3}, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	next, err := Apply(p, plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Size() != 5 {
		t.Fatalf("Apply modified the source pool")
	}
	if next.Size() != 2 {
		t.Fatalf("remaining = %d, want 2", next.Size())
	}
	rest := next.Queue.Items()
	if rest[0].ID != "dep-3" || rest[1].ID != "dep-4" {
		t.Fatalf("unexpected survivors: %s, %s", rest[0].ID, rest[1].ID)
	}
	if err := next.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if next.AccruedFees != 30_000 {
		t.Fatalf("accrued fees = %d, want 30000", next.AccruedFees)
	}
}

func TestZeroFeeAndFullFeeConserve(t *testing.T) {
	for _, bps := range []uint32{0, 1, 333, 10_000} {
		pr := params(3, 3)
		pr.FeeBps = bps
		pr.Denomination = 1_000_003
		p := filledPool(t, pr, 3)
		plan, err := Build(p, coinjoin.MixRequest{Recipients: recipients(3)}, now)
		if err != nil {
			t.Fatalf("bps %d: %v", bps, err)
		}
		if plan.TotalPayout+plan.TotalFees != 3*pr.Denomination {
			t.Fatalf("bps %d: conservation violated", bps)
		}
		if bps == 10_000 && len(plan.Transfers) != 0 {
			t.Fatalf("zero payouts must not produce transfers")
		}
	}
}

func TestResultAndGas(t *testing.T) {
	if got := EstimateGas(3); got != 25_000+3*8_000+5_000+3_000 {
		t.Fatalf("EstimateGas(3) = %d", got)
	}
	res := Result(10_000_000, Plan{Count: 2, Payout: 9_990_000, TotalFees: 20_000}, now)
	if res.AnonymitySetSize != 2 || len(res.MixedAmounts) != 2 || res.MixedAmounts[1] != 9_990_000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RoundID == "" {
		t.Fatalf("round id missing")
	}
}
