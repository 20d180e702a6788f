// Package runtime assembles the daemon: it opens the configured backends,
// builds the application and serves the HTTP API.
package runtime

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	app "github.com/R3E-Network/coinjoin/internal/app"
	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/httpapi"
	"github.com/R3E-Network/coinjoin/internal/app/services/events"
	"github.com/R3E-Network/coinjoin/internal/app/storage/postgres"
	redisstore "github.com/R3E-Network/coinjoin/internal/app/storage/redis"
	"github.com/R3E-Network/coinjoin/internal/config"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// minSeedLen is the shortest accepted vault derivation seed.
const minSeedLen = 16

const defaultShutdownTimeout = 15 * time.Second

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        config.Config
	log        *logger.Logger
	app        *app.Application
	hub        *events.Hub
	httpServer *http.Server
	closers    []io.Closer
}

// NewApplication opens the configured backends and builds the daemon.
func NewApplication(ctx context.Context, cfg config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(cfg.Logging())
	}
	a := &Application{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.cfg
	opts := app.Options{
		Ledger:         cfg.Ledger,
		Owner:          domain.Address(cfg.Owner),
		Factory:        domain.Address(cfg.Factory),
		Router:         domain.Address(cfg.Router),
		KeeperSchedule: cfg.KeeperSchedule,
	}
	switch cfg.Ledger {
	case config.LedgerContract:
		contractHash, err := parseContractHash(cfg.ContractHash)
		if err != nil {
			return fmt.Errorf("COINJOIN_CONTRACT_HASH: %w", err)
		}
		opts.ContractHash = contractHash
	default:
		seed, err := parseSeed(cfg.ProgramSeed)
		if err != nil {
			return fmt.Errorf("COINJOIN_PROGRAM_SEED: %w", err)
		}
		opts.ProgramSeed = seed
	}

	pools, err := config.LoadPoolsOrDefault(cfg.PoolsFile)
	if err != nil {
		return err
	}
	opts.Pools = pools

	var stores app.Stores
	if cfg.DatabaseDSN != "" {
		db, err := openDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, db)
		if err := postgres.Migrate(db); err != nil {
			return err
		}
		store := postgres.New(db)
		stores.Accounts = store
		stores.Rounds = store
		a.log.Info("using postgres storage")
	} else {
		a.log.Warn("COINJOIN_DATABASE_DSN not set; pool state is kept in memory")
	}

	a.hub = events.NewHub(a.log.Named("events"))
	publishers := events.Multi{a.hub}
	if cfg.RedisAddr != "" {
		store, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, store)
		stores.KV = store
		publishers = append(publishers, events.NewRedisPublisher(store.Client(), cfg.RedisChannel))
		a.log.WithField("channel", cfg.RedisChannel).Info("publishing events to redis")
	} else if cfg.Ledger == config.LedgerContract {
		a.log.Warn("COINJOIN_REDIS_ADDR not set; contract storage is kept in memory")
	}
	opts.Publisher = publishers

	var auditWriter io.Writer
	if cfg.AuditFile != "" {
		f, err := os.OpenFile(cfg.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		a.closers = append(a.closers, f)
		auditWriter = f
	}

	application, err := app.New(stores, opts, a.log.Named("app"))
	if err != nil {
		return err
	}
	a.app = application

	handler := httpapi.NewHandler(application.CoinJoin, httpapi.Options{
		JWTSecret:   []byte(cfg.JWTSecret),
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		DevMode:     cfg.DevMode,
		Bank:        application.Bank,
		Events:      a.hub,
		AuditWriter: auditWriter,
		Logger:      a.log.Named("httpapi"),
	})
	a.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.DevMode {
		a.log.Warn("dev mode enabled; the token faucet is exposed on /dev/mint")
	}
	return nil
}

// Handler returns the HTTP handler served by Run.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Core returns the composed application services.
func (a *Application) Core() *app.Application {
	return a.app
}

// Run starts the services and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, the services and the backends.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.hub.Close()
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.close()
	return errors.Join(errs...)
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("close backend")
		}
	}
	a.closers = nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// parseSeed accepts a hex or base64 encoded seed, or the raw string, of at
// least minSeedLen bytes.
func parseSeed(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing vault seed")
	}
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) >= minSeedLen {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) >= minSeedLen {
		return decoded, nil
	}
	if len(value) >= minSeedLen {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("seed must be at least %d bytes", minSeedLen)
}

// parseContractHash accepts a 0x-prefixed big-endian script hash, a
// little-endian hex hash or a Neo address.
func parseContractHash(value string) (util.Uint160, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return util.Uint160{}, errors.New("missing contract hash")
	case strings.HasPrefix(value, "0x"):
		return util.Uint160DecodeStringBE(strings.TrimPrefix(value, "0x"))
	case len(value) == 2*util.Uint160Size:
		return util.Uint160DecodeStringLE(value)
	default:
		return address.StringToUint160(value)
	}
}
