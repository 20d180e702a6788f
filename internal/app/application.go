package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/coinjoin/internal/app/core/registry"
	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger"
	"github.com/R3E-Network/coinjoin/internal/app/ledger/contract"
	"github.com/R3E-Network/coinjoin/internal/app/ledger/program"
	"github.com/R3E-Network/coinjoin/internal/app/ledger/tokenbank"
	coinjoinsvc "github.com/R3E-Network/coinjoin/internal/app/services/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/services/events"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
	"github.com/R3E-Network/coinjoin/internal/app/storage/memory"
	"github.com/R3E-Network/coinjoin/internal/app/system"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Ledger backends.
const (
	LedgerProgram  = "program"
	LedgerContract = "contract"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts storage.AccountStore
	KV       storage.KVStore
	Rounds   storage.RoundStore
}

// Options select the ledger backend and the bootstrap state.
type Options struct {
	Ledger       string
	ProgramSeed  []byte
	ContractHash util.Uint160

	// Owner, when set, initialises the config at startup.
	Owner   domain.Address
	Factory domain.Address
	Router  domain.Address
	// Pools are created, or adopted from the ledger, at startup.
	Pools []domain.PoolParams

	KeeperSchedule string
	// DisableKeeper leaves maintenance to explicit calls.
	DisableKeeper bool

	Publisher events.Publisher
	Clock     ledger.Clock
}

// Application ties the coinjoin services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Bank     *tokenbank.Bank
	Machine  *ledger.Machine
	CoinJoin *coinjoinsvc.Service
	Keeper   *coinjoinsvc.Keeper
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.KV == nil {
		stores.KV = mem
	}
	if stores.Rounds == nil {
		stores.Rounds = mem
	}

	var (
		bank    *tokenbank.Bank
		machine *ledger.Machine
	)
	switch opts.Ledger {
	case "", LedgerProgram:
		if len(opts.ProgramSeed) == 0 {
			return nil, errors.New("program ledger requires a vault seed")
		}
		bank = tokenbank.NewPersistent(tokenbank.AccountState(stores.Accounts))
		machine = program.NewMachine(stores.Accounts, bank, opts.ProgramSeed, opts.Clock, log.Named("ledger"))
	case LedgerContract:
		if opts.ContractHash.Equals(util.Uint160{}) {
			return nil, errors.New("contract ledger requires a contract hash")
		}
		bank = tokenbank.NewPersistent(tokenbank.KVState(stores.KV))
		machine = contract.NewMachine(stores.KV, bank, opts.ContractHash, opts.Clock, log.Named("ledger"))
	default:
		return nil, fmt.Errorf("unknown ledger %q", opts.Ledger)
	}

	reg := registry.New(registry.Options{StrictDenominations: true})
	svc := coinjoinsvc.New(reg, machine, stores.Rounds, opts.Publisher, opts.Clock, log.Named("coinjoin"))

	manager := system.NewManager()
	if err := manager.Register(&bootstrap{svc: svc, opts: opts, log: log}); err != nil {
		return nil, err
	}
	var keeper *coinjoinsvc.Keeper
	if !opts.DisableKeeper {
		keeper = coinjoinsvc.NewKeeper(svc, opts.KeeperSchedule, log.Named("coinjoin-keeper"))
		if err := manager.Register(keeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", keeper.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Bank:     bank,
		Machine:  machine,
		CoinJoin: svc,
		Keeper:   keeper,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// bootstrap initialises the config and the configured pools before the
// keeper starts.
type bootstrap struct {
	svc  *coinjoinsvc.Service
	opts Options
	log  *logger.Logger
}

func (b *bootstrap) Name() string { return "coinjoin-bootstrap" }

func (b *bootstrap) Start(ctx context.Context) error {
	if !b.opts.Owner.IsZero() {
		_, err := b.svc.InitializeConfig(ctx, b.opts.Owner, b.opts.Factory, b.opts.Router)
		if err != nil && !errors.Is(err, domain.ErrAlreadyInitialized) {
			return fmt.Errorf("initialize config: %w", err)
		}
	} else {
		b.log.Warn("COINJOIN_OWNER not set; config must be initialised over the API")
	}
	for _, params := range b.opts.Pools {
		if _, err := b.svc.EnsurePool(ctx, params); err != nil {
			return fmt.Errorf("pool %s: %w", domain.Symbol(params.Denomination), err)
		}
	}
	return nil
}

func (b *bootstrap) Stop(context.Context) error { return nil }
