// Package coinjoin exposes the mixing pools to callers: it gates operations on
// the deployment config, resolves denomination symbols through the registry,
// drives the ledger state machine and records rounds, events and metrics.
package coinjoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/coinjoin/internal/app/core/registry"
	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger"
	"github.com/R3E-Network/coinjoin/internal/app/metrics"
	"github.com/R3E-Network/coinjoin/internal/app/services/events"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Service is the application facade over the pools.
type Service struct {
	registry *registry.Registry
	machine  ledger.StateMachine
	rounds   storage.RoundStore
	events   events.Publisher
	clock    ledger.Clock
	log      *logger.Logger
}

// New creates the service. A nil publisher discards events.
func New(reg *registry.Registry, machine ledger.StateMachine, rounds storage.RoundStore, pub events.Publisher, clock ledger.Clock, log *logger.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	if log == nil {
		log = logger.NewDefault("coinjoin")
	}
	return &Service{
		registry: reg,
		machine:  machine,
		rounds:   rounds,
		events:   pub,
		clock:    clock,
		log:      log,
	}
}

// InitializeConfig sets the administrative root once and enables mixing.
func (s *Service) InitializeConfig(ctx context.Context, owner, factory, router domain.Address) (domain.Config, error) {
	cfg, err := s.registry.InitializeConfig(owner, factory, router)
	if err != nil {
		return domain.Config{}, err
	}
	s.log.WithField("owner", owner).Info("coinjoin config initialized")
	s.publish(ctx, events.Event{Type: events.TypeConfig, Enabled: boolPtr(true)})
	return cfg, nil
}

// Config returns the deployment config.
func (s *Service) Config() (domain.Config, error) {
	return s.registry.Config()
}

// IsEnabled reports the global enable flag.
func (s *Service) IsEnabled() bool {
	return s.registry.IsEnabled()
}

// SetEnabled toggles mixing. Owner only.
func (s *Service) SetEnabled(ctx context.Context, caller domain.Address, enabled bool) error {
	if err := s.registry.SetEnabled(caller, enabled); err != nil {
		return err
	}
	s.log.Infof("coinjoin enabled set to %t", enabled)
	s.publish(ctx, events.Event{Type: events.TypeConfig, Enabled: boolPtr(enabled)})
	return nil
}

// InitPool creates a pool. Owner only.
func (s *Service) InitPool(ctx context.Context, caller domain.Address, params domain.PoolParams) (registry.Entry, error) {
	if err := s.registry.AuthorizePool(caller, params); err != nil {
		return registry.Entry{}, err
	}
	handle, err := s.machine.InitPool(ctx, params)
	if err != nil {
		return registry.Entry{}, err
	}
	return s.register(ctx, handle)
}

// EnsurePool registers the pool for params, creating it on the ledger when
// missing and adopting it when the ledger already holds it. It is used at
// bootstrap and needs no caller.
func (s *Service) EnsurePool(ctx context.Context, params domain.PoolParams) (registry.Entry, error) {
	if entry, err := s.registry.Lookup(params.Denomination); err == nil {
		return entry, nil
	}
	if err := s.registry.CheckPool(params); err != nil {
		return registry.Entry{}, err
	}
	handle, err := s.machine.InitPool(ctx, params)
	if err != nil && !errors.Is(err, domain.ErrPoolAlreadyExists) {
		return registry.Entry{}, err
	}
	if handle.Params != params {
		s.log.WithField("denomination", params.Denomination).
			Warn("ledger pool parameters differ from configuration; keeping the ledger's")
	}
	return s.register(ctx, handle)
}

func (s *Service) register(ctx context.Context, handle ledger.PoolHandle) (registry.Entry, error) {
	entry := registry.Entry{
		Denomination: handle.Params.Denomination,
		Symbol:       domain.Symbol(handle.Params.Denomination),
		PoolID:       handle.PoolID,
		Vault:        handle.Vault,
		Params:       handle.Params,
	}
	if err := s.registry.Register(entry); err != nil {
		return registry.Entry{}, err
	}
	s.log.WithField("symbol", entry.Symbol).WithField("vault", entry.Vault).Info("pool registered")
	s.publish(ctx, events.Event{Type: events.TypePool, Denomination: entry.Denomination, Symbol: entry.Symbol})
	return entry, nil
}

// Pools lists the registered pools.
func (s *Service) Pools() []registry.Entry {
	return s.registry.Entries()
}

// Resolve maps a denomination symbol to its registered pool.
func (s *Service) Resolve(symbol string) (registry.Entry, error) {
	denomination, err := domain.ParseSymbol(symbol)
	if err != nil {
		return registry.Entry{}, err
	}
	return s.registry.Lookup(denomination)
}

func (s *Service) requireActive() error {
	if !s.registry.Initialized() {
		return domain.ErrNotInitialized
	}
	if !s.registry.IsEnabled() {
		return domain.ErrCoinJoinDisabled
	}
	return nil
}

// Deposit escrows one denomination into the pool named by symbol.
func (s *Service) Deposit(ctx context.Context, symbol string, req domain.DepositRequest) (domain.DepositReceipt, error) {
	if err := s.requireActive(); err != nil {
		return domain.DepositReceipt{}, err
	}
	entry, err := s.Resolve(symbol)
	if err != nil {
		return domain.DepositReceipt{}, err
	}
	receipt, err := s.machine.AdmitDeposit(ctx, entry.Denomination, req)
	metrics.RecordDeposit(entry.Denomination, receipt.PoolSize, err)
	if err != nil {
		return domain.DepositReceipt{}, err
	}
	s.publish(ctx, events.Event{
		Type:         events.TypeDeposit,
		Denomination: entry.Denomination,
		Symbol:       entry.Symbol,
		PoolSize:     receipt.PoolSize,
	})
	return receipt, nil
}

// ExecuteMixing settles a round on the pool named by symbol.
func (s *Service) ExecuteMixing(ctx context.Context, symbol string, req domain.MixRequest) (domain.MixResult, error) {
	if err := s.requireActive(); err != nil {
		return domain.MixResult{}, err
	}
	entry, err := s.Resolve(symbol)
	if err != nil {
		return domain.MixResult{}, err
	}
	return s.settle(ctx, entry, req)
}

func (s *Service) settle(ctx context.Context, entry registry.Entry, req domain.MixRequest) (domain.MixResult, error) {
	start := time.Now()
	res, commitments, err := s.machine.Settle(ctx, entry.Denomination, req)
	metrics.RecordRound(entry.Denomination, res.AnonymitySetSize, res.FeesPaid, time.Since(start), err)
	if err != nil {
		return domain.MixResult{}, err
	}

	var totalPayout uint64
	for _, amt := range res.MixedAmounts {
		totalPayout += amt
	}
	if s.rounds != nil {
		_, rerr := s.rounds.CreateRound(ctx, domain.Round{
			ID:           res.RoundID,
			Denomination: entry.Denomination,
			Participants: res.AnonymitySetSize,
			TotalPayout:  totalPayout,
			TotalFees:    res.FeesPaid,
			Commitments:  commitments,
			SettledAt:    res.SettledAt,
		})
		if rerr != nil {
			// The round is final on the ledger; only the audit copy is missing.
			s.log.WithError(rerr).WithField("round_id", res.RoundID).Error("record mixing round")
		}
	}

	s.refreshPoolSize(ctx, entry.Denomination)
	s.publish(ctx, events.Event{
		Type:         events.TypeMix,
		Denomination: entry.Denomination,
		Symbol:       entry.Symbol,
		Participants: res.AnonymitySetSize,
		FeesPaid:     res.FeesPaid,
		RoundID:      res.RoundID,
	})
	return res, nil
}

// Stats returns get_coinjoin_stats for symbol.
func (s *Service) Stats(ctx context.Context, symbol string) (domain.PoolStats, error) {
	entry, err := s.Resolve(symbol)
	if err != nil {
		return domain.PoolStats{}, err
	}
	return s.machine.Query(ctx, entry.Denomination)
}

// ListStats returns statistics for every registered pool.
func (s *Service) ListStats(ctx context.Context) ([]domain.PoolStats, error) {
	entries := s.registry.Entries()
	out := make([]domain.PoolStats, 0, len(entries))
	for _, entry := range entries {
		stats, err := s.machine.Query(ctx, entry.Denomination)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", entry.Symbol, err)
		}
		out = append(out, stats)
	}
	return out, nil
}

// DepositDetails returns the public view of the index-th queued deposit.
func (s *Service) DepositDetails(ctx context.Context, symbol string, index int) (domain.DepositInfo, error) {
	entry, err := s.Resolve(symbol)
	if err != nil {
		return domain.DepositInfo{}, err
	}
	return s.machine.DepositDetails(ctx, entry.Denomination, index)
}

// PruneExpired refunds the expired deposits of symbol. It runs while mixing
// is disabled so depositors are never locked out of their funds.
func (s *Service) PruneExpired(ctx context.Context, symbol string) (domain.PruneResult, error) {
	if !s.registry.Initialized() {
		return domain.PruneResult{}, domain.ErrNotInitialized
	}
	entry, err := s.Resolve(symbol)
	if err != nil {
		return domain.PruneResult{}, err
	}
	return s.prune(ctx, entry)
}

func (s *Service) prune(ctx context.Context, entry registry.Entry) (domain.PruneResult, error) {
	res, err := s.machine.PruneExpired(ctx, entry.Denomination)
	if err != nil {
		return domain.PruneResult{}, err
	}
	if res.Refunded == 0 {
		return res, nil
	}
	metrics.RecordRefunds(entry.Denomination, res.Refunded)
	size := s.refreshPoolSize(ctx, entry.Denomination)
	s.publish(ctx, events.Event{
		Type:         events.TypePrune,
		Denomination: entry.Denomination,
		Symbol:       entry.Symbol,
		PoolSize:     size,
		Participants: res.Refunded,
	})
	return res, nil
}

// Rounds returns recorded rounds of symbol, newest first.
func (s *Service) Rounds(ctx context.Context, symbol string, limit int) ([]domain.Round, error) {
	entry, err := s.Resolve(symbol)
	if err != nil {
		return nil, err
	}
	if s.rounds == nil {
		return []domain.Round{}, nil
	}
	return s.rounds.ListRounds(ctx, entry.Denomination, limit)
}

func (s *Service) refreshPoolSize(ctx context.Context, denomination uint64) uint32 {
	stats, err := s.machine.Query(ctx, denomination)
	if err != nil {
		return 0
	}
	metrics.RecordPoolSize(denomination, stats.CurrentPoolSize)
	return stats.CurrentPoolSize
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if evt.At.IsZero() {
		evt.At = s.clock.Now()
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.log.WithError(err).WithField("event", evt.Type).Warn("publish event")
	}
}

func boolPtr(v bool) *bool { return &v }
