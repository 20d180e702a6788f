package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// DefaultPoolsFile is read when COINJOIN_POOLS_FILE is unset.
var DefaultPoolsFile = filepath.Join("config", "pools.yaml")

// poolSpec is one entry of the pools file. A pool is named by symbol or by
// denomination; omitted fields take the stock values.
type poolSpec struct {
	Symbol       string  `yaml:"symbol"`
	Denomination uint64  `yaml:"denomination"`
	FeeBps       *uint32 `yaml:"fee_bps"`
	MinPoolSize  uint32  `yaml:"min_pool_size"`
	MaxPoolSize  uint32  `yaml:"max_pool_size"`
}

type poolsFile struct {
	Pools []poolSpec `yaml:"pools"`
}

// LoadPools parses the pool bootstrap file at path.
func LoadPools(path string) ([]domain.PoolParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools config: %w", err)
	}
	var file poolsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pools config: %w", err)
	}

	seen := make(map[uint64]bool, len(file.Pools))
	out := make([]domain.PoolParams, 0, len(file.Pools))
	for i, spec := range file.Pools {
		params, err := spec.params()
		if err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
		if seen[params.Denomination] {
			return nil, fmt.Errorf("pool %d: denomination %d listed twice", i, params.Denomination)
		}
		seen[params.Denomination] = true
		out = append(out, params)
	}
	return out, nil
}

// LoadPoolsOrDefault reads path, or DefaultPoolsFile when path is empty. A
// missing default file yields DefaultPools; a missing explicit file is an
// error.
func LoadPoolsOrDefault(path string) ([]domain.PoolParams, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPoolsFile
	}
	pools, err := LoadPools(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return DefaultPools(), nil
	}
	return pools, err
}

// DefaultPools returns stock parameters for every supported denomination.
func DefaultPools() []domain.PoolParams {
	denoms := domain.SupportedDenominations()
	out := make([]domain.PoolParams, 0, len(denoms))
	for _, d := range denoms {
		out = append(out, domain.DefaultPoolParams(d))
	}
	return out
}

func (s poolSpec) params() (domain.PoolParams, error) {
	denomination := s.Denomination
	if s.Symbol != "" {
		d, err := domain.ParseSymbol(s.Symbol)
		if err != nil {
			return domain.PoolParams{}, err
		}
		if denomination != 0 && denomination != d {
			return domain.PoolParams{}, fmt.Errorf("symbol %s does not match denomination %d", s.Symbol, denomination)
		}
		denomination = d
	}
	if denomination == 0 {
		return domain.PoolParams{}, errors.New("symbol or denomination is required")
	}

	params := domain.DefaultPoolParams(denomination)
	if s.FeeBps != nil {
		params.FeeBps = *s.FeeBps
	}
	if s.MinPoolSize != 0 {
		params.MinPoolSize = s.MinPoolSize
	}
	if s.MaxPoolSize != 0 {
		params.MaxPoolSize = s.MaxPoolSize
	}
	if err := params.Validate(); err != nil {
		return domain.PoolParams{}, err
	}
	return params, nil
}
