package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/coinjoin/internal/app/core/mixing"
	"github.com/R3E-Network/coinjoin/internal/app/core/pool"
	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Backend binds the pool state machine to one ledger's storage model.
type Backend interface {
	VaultDeriver

	// PoolID names the storage slot of a denomination.
	PoolID(denomination uint64) string
	// ValidateAddress rejects addresses the ledger cannot credit.
	ValidateAddress(addr coinjoin.Address) error
	// Load returns ErrPoolNotFound when nothing is stored under poolID.
	Load(ctx context.Context, poolID string) (*pool.Pool, error)
	// Create returns ErrPoolAlreadyExists when poolID is taken.
	Create(ctx context.Context, p *pool.Pool) error
	// Save replaces prev with next in a single write.
	Save(ctx context.Context, prev, next *pool.Pool) error
}

// Machine implements StateMachine on top of a Backend and a token ledger.
// Operations on one denomination are serialised.
type Machine struct {
	backend Backend
	token   TokenTransfer
	clock   Clock
	log     *logger.Logger

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

var _ StateMachine = (*Machine)(nil)

// NewMachine wires a state machine. A nil clock uses SystemClock.
func NewMachine(backend Backend, token TokenTransfer, clock Clock, log *logger.Logger) *Machine {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Machine{
		backend: backend,
		token:   token,
		clock:   clock,
		log:     log,
		locks:   make(map[uint64]*sync.Mutex),
	}
}

func (m *Machine) lock(denomination uint64) func() {
	m.mu.Lock()
	l, ok := m.locks[denomination]
	if !ok {
		l = &sync.Mutex{}
		m.locks[denomination] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Machine) load(ctx context.Context, denomination uint64) (*pool.Pool, error) {
	return m.backend.Load(ctx, m.backend.PoolID(denomination))
}

// InitPool creates the pool for params.Denomination.
func (m *Machine) InitPool(ctx context.Context, params coinjoin.PoolParams) (PoolHandle, error) {
	if err := params.Validate(); err != nil {
		return PoolHandle{}, err
	}
	defer m.lock(params.Denomination)()

	id := m.backend.PoolID(params.Denomination)
	existing, err := m.backend.Load(ctx, id)
	switch {
	case err == nil:
		return handleOf(existing), coinjoin.ErrPoolAlreadyExists
	case !errors.Is(err, coinjoin.ErrPoolNotFound):
		return PoolHandle{}, err
	}

	vault, err := m.backend.DeriveVault(id)
	if err != nil {
		return PoolHandle{}, fmt.Errorf("derive vault: %w", err)
	}
	p, err := pool.New(id, params, vault)
	if err != nil {
		return PoolHandle{}, err
	}
	if err := m.backend.Create(ctx, p); err != nil {
		return PoolHandle{}, err
	}
	m.log.WithField("pool_id", id).WithField("vault", vault).Infof("pool created for denomination %d", params.Denomination)
	return handleOf(p), nil
}

func handleOf(p *pool.Pool) PoolHandle {
	return PoolHandle{PoolID: p.ID, Vault: p.Vault, Params: p.Params}
}

// AdmitDeposit escrows req.Amount and queues the deposit.
func (m *Machine) AdmitDeposit(ctx context.Context, denomination uint64, req coinjoin.DepositRequest) (coinjoin.DepositReceipt, error) {
	if err := m.backend.ValidateAddress(req.Depositor); err != nil {
		return coinjoin.DepositReceipt{}, err
	}
	if err := m.backend.ValidateAddress(req.ReceivingAddress); err != nil {
		return coinjoin.DepositReceipt{}, err
	}
	defer m.lock(denomination)()

	prev, err := m.load(ctx, denomination)
	if err != nil {
		return coinjoin.DepositReceipt{}, err
	}
	now := m.clock.Now()
	expires := req.ExpiresAt.UTC()
	if req.ExpiresAt.IsZero() {
		expires = now.Add(coinjoin.DefaultDepositLifetime)
	}
	id := uuid.NewString()
	rec := coinjoin.DepositRecord{
		ID:               id,
		Depositor:        req.Depositor,
		ReceivingAddress: req.ReceivingAddress,
		MinAmountOut:     req.MinAmountOut,
		MaxSlippageBps:   req.MaxSlippageBps,
		ExpiresAt:        expires,
		CreatedAt:        now,
		Commitment:       coinjoin.Commit(id, req.ReceivingAddress),
	}

	next := prev.Clone()
	if err := next.Admit(rec, req.Amount, now); err != nil {
		return coinjoin.DepositReceipt{}, err
	}
	if err := m.token.Transfer(ctx, req.Depositor, next.Vault, req.Amount); err != nil {
		return coinjoin.DepositReceipt{}, fmt.Errorf("%w: escrow deposit: %v", coinjoin.ErrTransferFailed, err)
	}
	if err := m.backend.Save(ctx, prev, next); err != nil {
		if rerr := m.token.Transfer(ctx, next.Vault, req.Depositor, req.Amount); rerr != nil {
			m.log.WithError(rerr).WithField("deposit_id", id).Error("refund after failed save")
		}
		return coinjoin.DepositReceipt{}, fmt.Errorf("save pool: %w", err)
	}

	position := next.Queue.Len() - 1
	stored, _ := next.Queue.At(position)
	fee, _ := pool.Fee(next.Params.Denomination, next.Params.FeeBps)
	return coinjoin.DepositReceipt{
		DepositID:    id,
		Denomination: denomination,
		Position:     uint32(position),
		PoolSize:     next.Size(),
		Commitment:   stored.Commitment,
		CreatedAt:    stored.CreatedAt,
		ExpiresAt:    stored.ExpiresAt,
		FeeEstimate:  fee,
	}, nil
}

// Settle runs a mixing round and pays every settled deposit's recipient.
// It returns the round result and the settled commitments.
func (m *Machine) Settle(ctx context.Context, denomination uint64, req coinjoin.MixRequest) (coinjoin.MixResult, []string, error) {
	defer m.lock(denomination)()

	prev, err := m.load(ctx, denomination)
	if err != nil {
		return coinjoin.MixResult{}, nil, err
	}
	now := m.clock.Now()
	plan, err := mixing.Build(prev, req, now)
	if err != nil {
		return coinjoin.MixResult{}, nil, err
	}
	next, err := mixing.Apply(prev, plan)
	if err != nil {
		return coinjoin.MixResult{}, nil, err
	}
	if err := m.commit(ctx, prev, next, plan.Transfers); err != nil {
		return coinjoin.MixResult{}, nil, err
	}

	res := mixing.Result(denomination, plan, now)
	m.log.WithField("round_id", res.RoundID).
		WithField("participants", res.AnonymitySetSize).
		Infof("mixing round settled for denomination %d", denomination)
	return res, plan.Commitments, nil
}

// commit persists next, then moves the tokens. A failed transfer restores prev.
func (m *Machine) commit(ctx context.Context, prev, next *pool.Pool, moves []coinjoin.Transfer) error {
	if err := m.backend.Save(ctx, prev, next); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	if len(moves) == 0 {
		return nil
	}
	if err := m.token.TransferBatch(ctx, moves); err != nil {
		if rerr := m.backend.Save(ctx, next, prev); rerr != nil {
			m.log.WithError(rerr).WithField("pool_id", prev.ID).Error("restore pool after failed transfer")
		}
		return fmt.Errorf("%w: %v", coinjoin.ErrTransferFailed, err)
	}
	return nil
}

// Query returns pool statistics. Reads wait for a running operation on the
// same denomination, so they never observe a half-written or rolled-back pool.
func (m *Machine) Query(ctx context.Context, denomination uint64) (coinjoin.PoolStats, error) {
	defer m.lock(denomination)()

	p, err := m.load(ctx, denomination)
	if err != nil {
		return coinjoin.PoolStats{}, err
	}
	return p.Stats(), nil
}

// DepositDetails returns the public view of a queued deposit.
func (m *Machine) DepositDetails(ctx context.Context, denomination uint64, index int) (coinjoin.DepositInfo, error) {
	defer m.lock(denomination)()

	p, err := m.load(ctx, denomination)
	if err != nil {
		return coinjoin.DepositInfo{}, err
	}
	return p.DepositInfo(index)
}

// PendingRecipients returns the receiving addresses of the oldest deposits.
// A zero max returns the whole queue.
func (m *Machine) PendingRecipients(ctx context.Context, denomination uint64, max uint32) ([]coinjoin.Address, error) {
	defer m.lock(denomination)()

	p, err := m.load(ctx, denomination)
	if err != nil {
		return nil, err
	}
	n := p.Queue.Len()
	if max > 0 && int(max) < n {
		n = int(max)
	}
	out := make([]coinjoin.Address, 0, n)
	for _, rec := range p.Queue.Front(n) {
		out = append(out, rec.ReceivingAddress)
	}
	return out, nil
}

// PruneExpired refunds every expired deposit in full to its depositor.
func (m *Machine) PruneExpired(ctx context.Context, denomination uint64) (coinjoin.PruneResult, error) {
	defer m.lock(denomination)()

	prev, err := m.load(ctx, denomination)
	if err != nil {
		return coinjoin.PruneResult{}, err
	}
	next := prev.Clone()
	removed, err := next.RemoveExpired(m.clock.Now())
	if err != nil {
		return coinjoin.PruneResult{}, err
	}
	result := coinjoin.PruneResult{Denomination: denomination}
	if len(removed) == 0 {
		return result, nil
	}

	refunds := make([]coinjoin.Transfer, 0, len(removed))
	for _, rec := range removed {
		refunds = append(refunds, coinjoin.Transfer{From: next.Vault, To: rec.Depositor, Amount: next.Params.Denomination})
	}
	if err := m.commit(ctx, prev, next, refunds); err != nil {
		return coinjoin.PruneResult{}, err
	}
	result.Refunded = uint32(len(removed))
	result.Amount = uint64(len(removed)) * next.Params.Denomination
	m.log.WithField("refunded", result.Refunded).Infof("expired deposits pruned for denomination %d", denomination)
	return result, nil
}
