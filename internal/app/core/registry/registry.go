// Package registry holds the administrative root of a deployment: the
// one-time config, the global enable flag and the denomination -> pool map.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// Entry locates the pool registered for a denomination.
type Entry struct {
	Denomination uint64              `json:"denomination"`
	Symbol       string              `json:"symbol"`
	PoolID       string              `json:"pool_id"`
	Vault        coinjoin.Address    `json:"vault"`
	Params       coinjoin.PoolParams `json:"params"`
}

// Options tune registry validation.
type Options struct {
	// StrictDenominations restricts pools to the fixed denomination table.
	StrictDenominations bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	opts        Options
	initialized bool
	cfg         coinjoin.Config
	pools       map[uint64]Entry
}

// New returns an uninitialized registry.
func New(opts Options) *Registry {
	return &Registry{opts: opts, pools: make(map[uint64]Entry)}
}

// InitializeConfig performs the one-way Uninitialized -> Initialized
// transition and enables mixing.
func (r *Registry) InitializeConfig(owner, factory, router coinjoin.Address) (coinjoin.Config, error) {
	if owner.IsZero() {
		return coinjoin.Config{}, fmt.Errorf("%w: owner is required", coinjoin.ErrInvalidAddress)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return coinjoin.Config{}, coinjoin.ErrAlreadyInitialized
	}
	r.cfg = coinjoin.Config{Owner: owner, Factory: factory, Router: router, Enabled: true}
	r.initialized = true
	return r.cfg, nil
}

// Initialized reports whether InitializeConfig has succeeded.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Config returns a copy of the config.
func (r *Registry) Config() (coinjoin.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return coinjoin.Config{}, coinjoin.ErrNotInitialized
	}
	return r.cfg, nil
}

// Owner returns the configured owner address.
func (r *Registry) Owner() (coinjoin.Address, error) {
	cfg, err := r.Config()
	return cfg.Owner, err
}

// Factory returns the configured factory address.
func (r *Registry) Factory() (coinjoin.Address, error) {
	cfg, err := r.Config()
	return cfg.Factory, err
}

// Router returns the configured router address.
func (r *Registry) Router() (coinjoin.Address, error) {
	cfg, err := r.Config()
	return cfg.Router, err
}

// IsEnabled is false until the config is initialized.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized && r.cfg.Enabled
}

// SetEnabled toggles the global gate. Owner only.
func (r *Registry) SetEnabled(caller coinjoin.Address, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwnerLocked(caller); err != nil {
		return err
	}
	r.cfg.Enabled = enabled
	return nil
}

// RequireOwner fails unless caller is the configured owner.
func (r *Registry) RequireOwner(caller coinjoin.Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requireOwnerLocked(caller)
}

func (r *Registry) requireOwnerLocked(caller coinjoin.Address) error {
	if !r.initialized {
		return coinjoin.ErrNotInitialized
	}
	if caller.IsZero() || caller != r.cfg.Owner {
		return coinjoin.ErrUnauthorized
	}
	return nil
}

// AuthorizePool checks that caller may create a pool with params.
func (r *Registry) AuthorizePool(caller coinjoin.Address, params coinjoin.PoolParams) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.requireOwnerLocked(caller); err != nil {
		return err
	}
	return r.checkPoolLocked(params)
}

// CheckPool validates params for a pool created without a caller, such as
// one bootstrapped from configuration.
func (r *Registry) CheckPool(params coinjoin.PoolParams) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkPoolLocked(params)
}

func (r *Registry) checkPoolLocked(params coinjoin.PoolParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if r.opts.StrictDenominations && !coinjoin.IsSupportedDenomination(params.Denomination) {
		return fmt.Errorf("%w: %d", coinjoin.ErrUnsupportedDenomination, params.Denomination)
	}
	if _, exists := r.pools[params.Denomination]; exists {
		return coinjoin.ErrPoolAlreadyExists
	}
	return nil
}

// Register records a created pool.
func (r *Registry) Register(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[entry.Denomination]; exists {
		return coinjoin.ErrPoolAlreadyExists
	}
	if entry.Symbol == "" {
		entry.Symbol = coinjoin.Symbol(entry.Denomination)
	}
	r.pools[entry.Denomination] = entry
	return nil
}

// Lookup resolves a denomination to its pool.
func (r *Registry) Lookup(denomination uint64) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.pools[denomination]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", coinjoin.ErrPoolNotFound, coinjoin.Symbol(denomination))
	}
	return entry, nil
}

// Entries lists registered pools by ascending denomination.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.pools))
	for _, e := range r.pools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denomination < out[j].Denomination })
	return out
}
