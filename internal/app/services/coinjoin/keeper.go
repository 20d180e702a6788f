package coinjoin

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/coinjoin/internal/app/core/registry"
	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/system"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// DefaultKeeperSchedule runs the keeper twice a minute.
const DefaultKeeperSchedule = "@every 30s"

// Keeper refunds expired deposits and settles ready pools on a schedule. A
// failed pool is logged and retried on the next tick, never within one.
type Keeper struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Keeper)(nil)

// NewKeeper returns a keeper for service. An empty schedule uses
// DefaultKeeperSchedule.
func NewKeeper(service *Service, schedule string, log *logger.Logger) *Keeper {
	if schedule == "" {
		schedule = DefaultKeeperSchedule
	}
	if log == nil {
		log = logger.NewDefault("coinjoin-keeper")
	}
	return &Keeper{service: service, schedule: schedule, log: log}
}

func (k *Keeper) Name() string { return "coinjoin-keeper" }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(k.schedule, func() { k.Tick(runCtx) }); err != nil {
		cancel()
		return err
	}
	k.cron = c
	k.cancel = cancel
	k.running = true
	c.Start()

	k.log.WithField("schedule", k.schedule).Info("coinjoin keeper started")
	return nil
}

func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c, cancel := k.cron, k.cancel
	k.running = false
	k.cron, k.cancel = nil, nil
	k.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	k.log.Info("coinjoin keeper stopped")
	return nil
}

// Tick runs one maintenance pass over every registered pool.
func (k *Keeper) Tick(ctx context.Context) {
	if !k.service.registry.Initialized() {
		return
	}
	for _, entry := range k.service.registry.Entries() {
		if ctx.Err() != nil {
			return
		}
		k.maintain(ctx, entry)
	}
}

func (k *Keeper) maintain(ctx context.Context, entry registry.Entry) {
	log := k.log.WithField("symbol", entry.Symbol)

	if res, err := k.service.prune(ctx, entry); err != nil {
		log.WithError(err).Warn("prune expired deposits")
		return
	} else if res.Refunded > 0 {
		log.Infof("refunded %d expired deposits", res.Refunded)
	}

	if !k.service.registry.IsEnabled() {
		return
	}
	stats, err := k.service.machine.Query(ctx, entry.Denomination)
	if err != nil {
		log.WithError(err).Warn("query pool")
		return
	}
	if !stats.Ready {
		return
	}

	recipients, err := k.service.machine.PendingRecipients(ctx, entry.Denomination, entry.Params.MaxPoolSize)
	if err != nil {
		log.WithError(err).Warn("resolve pending recipients")
		return
	}
	res, err := k.service.settle(ctx, entry, domain.MixRequest{
		Recipients:  recipients,
		MaxDeposits: entry.Params.MaxPoolSize,
	})
	if err != nil {
		log.WithError(err).WithField("category", domain.CategoryOf(err).String()).Warn("automatic mixing round")
		return
	}
	log.WithField("round_id", res.RoundID).Infof("automatic round settled %d deposits", res.AnonymitySetSize)
}
