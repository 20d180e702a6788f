// Package mixing plans the settlement of a denomination pool: it checks that
// the queued cohort may be mixed, computes per-participant payouts and fees,
// and produces the balanced set of vault transfers. It holds no state.
package mixing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/coinjoin/internal/app/core/pool"
	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// Gas estimate components.
const (
	gasBase       = 25_000
	gasPerDeposit = 8_000
	gasMerkle     = 5_000
	gasEvent      = 3_000
)

// EstimateGas returns the nominal execution cost of settling n deposits.
func EstimateGas(n uint32) uint64 {
	return gasBase + uint64(n)*gasPerDeposit + gasMerkle + gasEvent
}

// Plan is a validated settlement that has not been applied.
type Plan struct {
	Count       int
	Payout      uint64
	Fee         uint64
	TotalPayout uint64
	TotalFees   uint64
	Transfers   []coinjoin.Transfer
	Commitments []string
}

// Build validates req against p at now and computes the settlement. p is not
// modified.
func Build(p *pool.Pool, req coinjoin.MixRequest, now time.Time) (Plan, error) {
	size := int(p.Size())
	if size < int(p.Params.MinPoolSize) {
		return Plan{}, fmt.Errorf("%w: %d queued, %d required", coinjoin.ErrInsufficientParticipants, size, p.Params.MinPoolSize)
	}

	k := size
	if req.MaxDeposits > 0 && int(req.MaxDeposits) < k {
		k = int(req.MaxDeposits)
	}
	if k < int(p.Params.MinPoolSize) {
		return Plan{}, fmt.Errorf("%w: round capped at %d, %d required", coinjoin.ErrInsufficientParticipants, k, p.Params.MinPoolSize)
	}
	if len(req.Recipients) != k {
		return Plan{}, fmt.Errorf("%w: %d recipients for %d deposits", coinjoin.ErrRecipientCountMismatch, len(req.Recipients), k)
	}

	payout, fee, err := pool.Split(p.Params.Denomination, p.Params.FeeBps)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Count:       k,
		Payout:      payout,
		Fee:         fee,
		Transfers:   make([]coinjoin.Transfer, 0, k),
		Commitments: make([]string, 0, k),
	}
	for i, rec := range p.Queue.Front(k) {
		if rec.Expired(now) {
			return Plan{}, fmt.Errorf("%w: position %d", coinjoin.ErrDepositExpired, i)
		}
		if req.Recipients[i] != rec.ReceivingAddress {
			return Plan{}, fmt.Errorf("%w: position %d", coinjoin.ErrRecipientMismatch, i)
		}
		if plan.TotalPayout, err = pool.AddChecked(plan.TotalPayout, payout); err != nil {
			return Plan{}, err
		}
		if plan.TotalFees, err = pool.AddChecked(plan.TotalFees, fee); err != nil {
			return Plan{}, err
		}
		if payout > 0 {
			plan.Transfers = append(plan.Transfers, coinjoin.Transfer{From: p.Vault, To: rec.ReceivingAddress, Amount: payout})
		}
		plan.Commitments = append(plan.Commitments, rec.Commitment)
	}

	owed, err := pool.MulChecked(uint64(k), p.Params.Denomination)
	if err != nil {
		return Plan{}, err
	}
	if p.VaultBalance < owed {
		return Plan{}, fmt.Errorf("%w: vault holds %d, round needs %d", coinjoin.ErrVaultUnderflow, p.VaultBalance, owed)
	}
	total, err := pool.AddChecked(plan.TotalPayout, plan.TotalFees)
	if err != nil {
		return Plan{}, err
	}
	if total != owed {
		return Plan{}, fmt.Errorf("%w: payouts %d + fees %d != %d", coinjoin.ErrArithmeticOverflow, plan.TotalPayout, plan.TotalFees, owed)
	}
	return plan, nil
}

// Apply settles plan on a clone of p.
func Apply(p *pool.Pool, plan Plan) (*pool.Pool, error) {
	next := p.Clone()
	if _, err := next.SettleFront(plan.Count, plan.TotalFees); err != nil {
		return nil, err
	}
	return next, nil
}

// Result describes a plan that has been applied.
func Result(denomination uint64, plan Plan, settledAt time.Time) coinjoin.MixResult {
	amounts := make([]uint64, plan.Count)
	for i := range amounts {
		amounts[i] = plan.Payout
	}
	return coinjoin.MixResult{
		RoundID:          uuid.NewString(),
		Denomination:     denomination,
		AnonymitySetSize: uint32(plan.Count),
		MixedAmounts:     amounts,
		FeesPaid:         plan.TotalFees,
		GasUsed:          EstimateGas(uint32(plan.Count)),
		SettledAt:        settledAt,
	}
}
