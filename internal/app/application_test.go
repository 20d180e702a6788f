package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/stretchr/testify/require"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/services/events"
	"github.com/R3E-Network/coinjoin/internal/app/storage/memory"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

func programAddr(label string) domain.Address {
	sum := sha256.Sum256([]byte(label))
	return domain.Address(base58.Encode(sum[:]))
}

func TestApplicationBootstrapsPools(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	application, err := New(Stores{}, Options{
		ProgramSeed:   []byte("seed"),
		Owner:         programAddr("owner"),
		Pools:         []domain.PoolParams{domain.DefaultPoolParams(domain.DenominationSmall), domain.DefaultPoolParams(domain.DenominationMedium)},
		DisableKeeper: true,
		Publisher:     rec,
	}, logger.NewDiscard())
	require.NoError(t, err)
	require.Nil(t, application.Keeper)

	require.NoError(t, application.Start(ctx))
	defer application.Stop(ctx)

	require.True(t, application.CoinJoin.IsEnabled())
	pools := application.CoinJoin.Pools()
	require.Len(t, pools, 2)
	require.Equal(t, "10", pools[0].Symbol)
	require.Equal(t, "100", pools[1].Symbol)
	require.NotEmpty(t, rec.Events())
}

func TestApplicationAdoptsPoolsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	stores := Stores{Accounts: store, Rounds: store}
	opts := Options{
		ProgramSeed:   []byte("seed"),
		Owner:         programAddr("owner"),
		Pools:         []domain.PoolParams{domain.DefaultPoolParams(domain.DenominationSmall)},
		DisableKeeper: true,
	}

	first, err := New(stores, opts, logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	depositor := programAddr("depositor")
	require.NoError(t, first.Bank.Mint(ctx, depositor, domain.DenominationSmall))
	_, err = first.CoinJoin.Deposit(ctx, "10", domain.DepositRequest{
		Amount:           domain.DenominationSmall,
		Depositor:        depositor,
		ReceivingAddress: programAddr("fresh"),
	})
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	second, err := New(stores, opts, logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Stop(ctx)

	stats, err := second.CoinJoin.Stats(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.CurrentPoolSize)
	require.Equal(t, domain.DenominationSmall, stats.VaultBalance)
}

func TestApplicationContractLedger(t *testing.T) {
	ctx := context.Background()
	contractHash := hash.Hash160([]byte("coinjoin"))
	owner := domain.Address(address.Uint160ToString(hash.Hash160([]byte("owner"))))

	application, err := New(Stores{}, Options{
		Ledger:        LedgerContract,
		ContractHash:  contractHash,
		Owner:         owner,
		Pools:         []domain.PoolParams{domain.DefaultPoolParams(domain.DenominationLarge)},
		DisableKeeper: true,
	}, logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))
	defer application.Stop(ctx)

	pools := application.CoinJoin.Pools()
	require.Len(t, pools, 1)
	require.Equal(t, contractHash.StringLE()+"/1000000000", pools[0].PoolID)
}

func TestApplicationRejectsBadOptions(t *testing.T) {
	cases := map[string]Options{
		"missing seed":          {Ledger: LedgerProgram},
		"missing contract hash": {Ledger: LedgerContract},
		"unknown ledger":        {Ledger: "utxo", ProgramSeed: []byte("seed")},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(Stores{}, opts, logger.NewDiscard()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplicationBootstrapFailsOnInvalidPool(t *testing.T) {
	application, err := New(Stores{}, Options{
		ProgramSeed:   []byte("seed"),
		Owner:         programAddr("owner"),
		Pools:         []domain.PoolParams{{Denomination: domain.DenominationSmall, MinPoolSize: 5, MaxPoolSize: 2}},
		DisableKeeper: true,
	}, logger.NewDiscard())
	require.NoError(t, err)
	err = application.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidBounds)
}

func TestApplicationMixesAfterRestart(t *testing.T) {
	neoAddr := func(label string) domain.Address {
		return domain.Address(address.Uint160ToString(hash.Hash160([]byte(label))))
	}
	cases := []struct {
		name string
		opts Options
		addr func(string) domain.Address
	}{
		{
			name: "program",
			opts: Options{ProgramSeed: []byte("seed"), Owner: programAddr("owner")},
			addr: programAddr,
		},
		{
			name: "contract",
			opts: Options{Ledger: LedgerContract, ContractHash: hash.Hash160([]byte("coinjoin")), Owner: neoAddr("owner")},
			addr: neoAddr,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			stores := Stores{Accounts: store, KV: store, Rounds: store}
			opts := tc.opts
			opts.Pools = []domain.PoolParams{domain.DefaultPoolParams(domain.DenominationSmall)}
			opts.DisableKeeper = true

			first, err := New(stores, opts, logger.NewDiscard())
			require.NoError(t, err)
			require.NoError(t, first.Start(ctx))
			for i := 0; i < 3; i++ {
				depositor := tc.addr(fmt.Sprintf("depositor-%d", i))
				require.NoError(t, first.Bank.Mint(ctx, depositor, domain.DenominationSmall))
				_, err := first.CoinJoin.Deposit(ctx, "10", domain.DepositRequest{
					Amount:           domain.DenominationSmall,
					Depositor:        depositor,
					ReceivingAddress: tc.addr(fmt.Sprintf("fresh-%d", i)),
				})
				require.NoError(t, err)
			}
			require.NoError(t, first.Stop(ctx))

			second, err := New(stores, opts, logger.NewDiscard())
			require.NoError(t, err)
			require.NoError(t, second.Start(ctx))
			defer second.Stop(ctx)

			entry, err := second.CoinJoin.Resolve("10")
			require.NoError(t, err)
			require.Equal(t, 3*domain.DenominationSmall, second.Bank.Balance(ctx, entry.Vault))

			recipients := []domain.Address{tc.addr("fresh-0"), tc.addr("fresh-1"), tc.addr("fresh-2")}
			res, err := second.CoinJoin.ExecuteMixing(ctx, "10", domain.MixRequest{Recipients: recipients})
			require.NoError(t, err)
			require.Equal(t, uint32(3), res.AnonymitySetSize)
			for _, r := range recipients {
				require.Equal(t, uint64(9_990_000), second.Bank.Balance(ctx, r))
			}
			require.Zero(t, second.Bank.Balance(ctx, entry.Vault))
		})
	}
}

func TestApplicationBootstrapRejectsUnsupportedDenomination(t *testing.T) {
	application, err := New(Stores{}, Options{
		ProgramSeed:   []byte("seed"),
		Owner:         programAddr("owner"),
		Pools:         []domain.PoolParams{{Denomination: 10, FeeBps: 10, MinPoolSize: 3, MaxPoolSize: 5}},
		DisableKeeper: true,
	}, logger.NewDiscard())
	require.NoError(t, err)
	err = application.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrUnsupportedDenomination)
}
