// Package coinjoin holds the value types shared by the denomination pools, the
// mixing engine and the ledger adapters.
package coinjoin

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// MaxBasisPoints is 100%.
	MaxBasisPoints = 10_000

	DefaultFeeBps      = 10
	DefaultMinPoolSize = 3
	DefaultMaxPoolSize = 10

	// DefaultDepositLifetime applies when a deposit does not name an expiry.
	DefaultDepositLifetime = 48 * time.Hour
)

// Address identifies an account on the underlying ledger.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return a == "" }

// Config is the administrative root of a deployment.
type Config struct {
	Owner   Address `json:"owner"`
	Factory Address `json:"factory"`
	Router  Address `json:"router"`
	Enabled bool    `json:"coinjoin_enabled"`
}

// PoolParams are fixed when a pool is created.
type PoolParams struct {
	Denomination uint64 `json:"denomination" yaml:"denomination"`
	FeeBps       uint32 `json:"fee_bps" yaml:"fee_bps"`
	MinPoolSize  uint32 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize  uint32 `json:"max_pool_size" yaml:"max_pool_size"`
}

// DefaultPoolParams returns the stock parameters for a denomination.
func DefaultPoolParams(denomination uint64) PoolParams {
	return PoolParams{
		Denomination: denomination,
		FeeBps:       DefaultFeeBps,
		MinPoolSize:  DefaultMinPoolSize,
		MaxPoolSize:  DefaultMaxPoolSize,
	}
}

// Validate checks the size bounds and fee range.
func (p PoolParams) Validate() error {
	if p.Denomination == 0 || p.MinPoolSize == 0 || p.MaxPoolSize == 0 {
		return ErrInvalidBounds
	}
	if p.MinPoolSize > p.MaxPoolSize {
		return ErrInvalidBounds
	}
	if p.FeeBps > MaxBasisPoints {
		return ErrInvalidBounds
	}
	return nil
}

// DepositRecord is one queued participant. The fee is not stored; it is
// derived from the pool fee when the record is settled.
type DepositRecord struct {
	ID               string    `json:"id"`
	Depositor        Address   `json:"depositor"`
	ReceivingAddress Address   `json:"receiving_address"`
	MinAmountOut     uint64    `json:"min_amount_out"`
	MaxSlippageBps   uint32    `json:"max_slippage_bps"`
	ExpiresAt        time.Time `json:"expiry_timestamp"`
	CreatedAt        time.Time `json:"timestamp"`
	Commitment       string    `json:"commitment"`
}

// Expired reports whether the record can no longer be mixed at now.
func (r DepositRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Commit computes the audit commitment for a deposit id and receiving address.
func Commit(depositID string, receiving Address) string {
	h := sha3.New256()
	h.Write([]byte(depositID))
	h.Write([]byte{0})
	h.Write([]byte(receiving))
	return hex.EncodeToString(h.Sum(nil))
}

// DepositRequest is the caller input of a deposit.
type DepositRequest struct {
	Amount           uint64    `json:"amount"`
	Depositor        Address   `json:"depositor"`
	ReceivingAddress Address   `json:"receiving_address"`
	MinAmountOut     uint64    `json:"min_amount_out"`
	MaxSlippageBps   uint32    `json:"max_slippage_bps"`
	ExpiresAt        time.Time `json:"expiry_timestamp"`
}

// DepositReceipt is returned to the depositor only.
type DepositReceipt struct {
	DepositID    string    `json:"deposit_id"`
	Denomination uint64    `json:"denomination"`
	Position     uint32    `json:"position"`
	PoolSize     uint32    `json:"pool_size"`
	Commitment   string    `json:"commitment"`
	CreatedAt    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expiry_timestamp"`
	FeeEstimate  uint64    `json:"fee_estimate"`
}

// DepositInfo is the public view of a queued deposit. It deliberately omits
// the depositor, the receiving address and the commitment.
type DepositInfo struct {
	MinAmountOut   uint64    `json:"min_amount_out"`
	MaxSlippageBps uint32    `json:"max_slippage_bps"`
	ExpiresAt      time.Time `json:"expiry_timestamp"`
	CreatedAt      time.Time `json:"timestamp"`
	FeeEstimate    uint64    `json:"fee_paid_estimate"`
}

// PoolStats summarises a pool for monitors. EstimatedWaitBlocks is a rough
// heuristic and carries no guarantee.
type PoolStats struct {
	Symbol              string `json:"symbol"`
	Denomination        uint64 `json:"denomination"`
	CurrentPoolSize     uint32 `json:"current_pool_size"`
	MinPoolSize         uint32 `json:"min_pool_size"`
	MaxPoolSize         uint32 `json:"max_pool_size"`
	FeeBps              uint32 `json:"fee_bps"`
	VaultBalance        uint64 `json:"vault_balance"`
	AccruedFees         uint64 `json:"accrued_fees"`
	TotalDeposits       uint64 `json:"total_deposits"`
	TotalWithdrawals    uint64 `json:"total_withdrawals"`
	Rounds              uint64 `json:"rounds"`
	EstimatedWaitBlocks uint32 `json:"estimated_wait_time"`
	Ready               bool   `json:"ready"`
}

// MixRequest selects the recipients of a settlement round. MaxDeposits caps
// the number of queued deposits settled; zero settles the whole queue.
type MixRequest struct {
	Recipients  []Address `json:"recipients"`
	MaxDeposits uint32    `json:"max_deposits,omitempty"`
}

// MixResult describes a settled round.
type MixResult struct {
	RoundID          string    `json:"round_id"`
	Denomination     uint64    `json:"denomination"`
	AnonymitySetSize uint32    `json:"anonymity_set_size"`
	MixedAmounts     []uint64  `json:"mixed_amounts"`
	FeesPaid         uint64    `json:"fees_paid"`
	GasUsed          uint64    `json:"gas_used"`
	SettledAt        time.Time `json:"settled_at"`
}

// Round is the audit record kept for every settlement.
type Round struct {
	ID           string    `json:"id" db:"id"`
	Denomination uint64    `json:"denomination" db:"denomination"`
	Participants uint32    `json:"participants" db:"participants"`
	TotalPayout  uint64    `json:"total_payout" db:"total_payout"`
	TotalFees    uint64    `json:"total_fees" db:"total_fees"`
	Commitments  []string  `json:"commitments" db:"-"`
	SettledAt    time.Time `json:"settled_at" db:"settled_at"`
}

// Transfer is one leg of a token movement.
type Transfer struct {
	From   Address `json:"from"`
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}

// PruneResult reports refunds of expired deposits.
type PruneResult struct {
	Denomination uint64 `json:"denomination"`
	Refunded     uint32 `json:"refunded"`
	Amount       uint64 `json:"amount"`
}
