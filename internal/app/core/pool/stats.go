package pool

import "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"

// BlocksPerDeposit is the assumed number of blocks between deposits used by
// the wait estimate.
const BlocksPerDeposit = 5

// Stats projects the pool into monitor-facing statistics.
func (p *Pool) Stats() coinjoin.PoolStats {
	return coinjoin.PoolStats{
		Symbol:              coinjoin.Symbol(p.Params.Denomination),
		Denomination:        p.Params.Denomination,
		CurrentPoolSize:     p.Size(),
		MinPoolSize:         p.Params.MinPoolSize,
		MaxPoolSize:         p.Params.MaxPoolSize,
		FeeBps:              p.Params.FeeBps,
		VaultBalance:        p.VaultBalance,
		AccruedFees:         p.AccruedFees,
		TotalDeposits:       p.TotalDeposits,
		TotalWithdrawals:    p.TotalWithdrawals,
		Rounds:              p.Rounds,
		EstimatedWaitBlocks: p.EstimatedWaitBlocks(),
		Ready:               p.Ready(),
	}
}

// EstimatedWaitBlocks guesses how many blocks remain until the pool is ready.
// It is advisory only.
func (p *Pool) EstimatedWaitBlocks() uint32 {
	if p.Ready() {
		return 0
	}
	return (p.Params.MinPoolSize - p.Size()) * BlocksPerDeposit
}

// DepositInfo returns the privacy-safe view of the index-th queued deposit.
func (p *Pool) DepositInfo(index int) (coinjoin.DepositInfo, error) {
	rec, ok := p.Queue.At(index)
	if !ok {
		return coinjoin.DepositInfo{}, coinjoin.ErrInvalidIndex
	}
	fee, err := Fee(p.Params.Denomination, p.Params.FeeBps)
	if err != nil {
		return coinjoin.DepositInfo{}, err
	}
	return coinjoin.DepositInfo{
		MinAmountOut:   rec.MinAmountOut,
		MaxSlippageBps: rec.MaxSlippageBps,
		ExpiresAt:      rec.ExpiresAt,
		CreatedAt:      rec.CreatedAt,
		FeeEstimate:    fee,
	}, nil
}
