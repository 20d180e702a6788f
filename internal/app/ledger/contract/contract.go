// Package contract binds the pool state machine to a contract-storage ledger.
// A pool is spread over storage keys owned by the mixing contract:
//
//	0x01 | denomination          pool parameters and vault
//	0x02 | denomination          counters (queue head/tail, balances, totals)
//	0x03 | denomination | slot   queued deposit record
//
// Every operation is written as one storage batch.
package contract

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/io"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/coinjoin/internal/app/core/pool"
	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/ledger"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Storage key prefixes.
const (
	prefixParams   byte = 0x01
	prefixCounters byte = 0x02
	prefixDeposit  byte = 0x03
)

// Backend stores pools in contract storage.
type Backend struct {
	store    storage.KVStore
	contract util.Uint160
}

var _ ledger.Backend = (*Backend)(nil)

// New returns a backend for the contract with script hash contractHash.
func New(store storage.KVStore, contractHash util.Uint160) *Backend {
	return &Backend{store: store, contract: contractHash}
}

// NewMachine builds a state machine on a contract backend.
func NewMachine(store storage.KVStore, token ledger.TokenTransfer, contractHash util.Uint160, clock ledger.Clock, log *logger.Logger) *ledger.Machine {
	return ledger.NewMachine(New(store, contractHash), token, clock, log)
}

// PoolID implements ledger.Backend.
func (b *Backend) PoolID(denomination uint64) string {
	return fmt.Sprintf("%s/%d", b.contract.StringLE(), denomination)
}

// ValidateAddress accepts Neo N3 addresses.
func (b *Backend) ValidateAddress(addr coinjoin.Address) error {
	if _, err := address.StringToUint160(addr.String()); err != nil {
		return fmt.Errorf("%w: %v", coinjoin.ErrInvalidAddress, err)
	}
	return nil
}

// DeriveVault hashes the contract hash with the pool id. The result is a
// script hash no key pair maps to.
func (b *Backend) DeriveVault(poolID string) (coinjoin.Address, error) {
	buf := make([]byte, 0, util.Uint160Size+len(poolID))
	buf = append(buf, b.contract.BytesBE()...)
	buf = append(buf, poolID...)
	return coinjoin.Address(address.Uint160ToString(hash.Hash160(buf))), nil
}

func denomKey(prefix byte, denomination uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], denomination)
	return k
}

func slotKey(denomination uint64, slot int) []byte {
	k := make([]byte, 13)
	k[0] = prefixDeposit
	binary.BigEndian.PutUint64(k[1:9], denomination)
	binary.BigEndian.PutUint32(k[9:], uint32(slot))
	return k
}

// Load implements ledger.Backend.
func (b *Backend) Load(ctx context.Context, poolID string) (*pool.Pool, error) {
	denomination, err := strconv.ParseUint(poolID[strings.LastIndexByte(poolID, '/')+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse pool id %q: %w", poolID, err)
	}

	raw, err := b.store.Get(ctx, denomKey(prefixParams, denomination))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, coinjoin.ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	p.ID = poolID

	raw, err = b.store.Get(ctx, denomKey(prefixCounters, denomination))
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	if err := decodeCounters(raw, p); err != nil {
		return nil, err
	}
	for c := p.Queue.Head; c < p.Queue.Tail; c++ {
		slot := p.Queue.Slot(c)
		raw, err := b.store.Get(ctx, slotKey(denomination, slot))
		if err != nil {
			return nil, fmt.Errorf("read slot %d: %w", slot, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		p.Queue.Slots[slot] = rec
	}
	return p, nil
}

// Create implements ledger.Backend. The header key is expected absent, so
// two writers racing on one denomination cannot both create it.
func (b *Backend) Create(ctx context.Context, p *pool.Pool) error {
	denomination := p.Params.Denomination
	header, err := encodeHeader(p)
	if err != nil {
		return err
	}
	counters, err := encodeCounters(p)
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	batch.Expect(denomKey(prefixParams, denomination), nil)
	batch.Put(denomKey(prefixParams, denomination), header)
	batch.Put(denomKey(prefixCounters, denomination), counters)
	if err := b.store.Commit(ctx, batch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return coinjoin.ErrPoolAlreadyExists
		}
		return err
	}
	return nil
}

// Save implements ledger.Backend. Only slots whose content changed are
// rewritten. The batch expects the stored counters to still match prev and
// fails with storage.ErrConflict otherwise.
func (b *Backend) Save(ctx context.Context, prev, next *pool.Pool) error {
	if err := next.CheckInvariants(); err != nil {
		return err
	}
	denomination := next.Params.Denomination
	before, err := encodeCounters(prev)
	if err != nil {
		return err
	}
	after, err := encodeCounters(next)
	if err != nil {
		return err
	}

	batch := storage.NewBatch()
	batch.Expect(denomKey(prefixCounters, denomination), before)
	batch.Put(denomKey(prefixCounters, denomination), after)
	oldSlots, err := liveSlots(prev)
	if err != nil {
		return err
	}
	newSlots, err := liveSlots(next)
	if err != nil {
		return err
	}
	for slot := range oldSlots {
		if _, ok := newSlots[slot]; !ok {
			batch.Delete(slotKey(denomination, slot))
		}
	}
	for slot, enc := range newSlots {
		if old, ok := oldSlots[slot]; ok && bytes.Equal(old, enc) {
			continue
		}
		batch.Put(slotKey(denomination, slot), enc)
	}
	return b.store.Commit(ctx, batch)
}

func liveSlots(p *pool.Pool) (map[int][]byte, error) {
	out := make(map[int][]byte, p.Queue.Len())
	for c := p.Queue.Head; c < p.Queue.Tail; c++ {
		slot := p.Queue.Slot(c)
		enc, err := encodeRecord(p.Queue.Slots[slot])
		if err != nil {
			return nil, err
		}
		out[slot] = enc
	}
	return out, nil
}

// Encoding ------------------------------------------------------------------

func encodeHeader(p *pool.Pool) ([]byte, error) {
	w := io.NewBufBinWriter()
	w.WriteU64LE(p.Params.Denomination)
	w.WriteU32LE(p.Params.FeeBps)
	w.WriteU32LE(p.Params.MinPoolSize)
	w.WriteU32LE(p.Params.MaxPoolSize)
	w.WriteString(p.Vault.String())
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(), nil
}

func decodeHeader(raw []byte) (*pool.Pool, error) {
	r := io.NewBinReaderFromBuf(raw)
	var params coinjoin.PoolParams
	params.Denomination = r.ReadU64LE()
	params.FeeBps = r.ReadU32LE()
	params.MinPoolSize = r.ReadU32LE()
	params.MaxPoolSize = r.ReadU32LE()
	vault := coinjoin.Address(r.ReadString())
	if r.Err != nil {
		return nil, fmt.Errorf("decode pool header: %w", r.Err)
	}
	return &pool.Pool{Params: params, Vault: vault, Queue: pool.NewRing(params.MaxPoolSize)}, nil
}

func encodeCounters(p *pool.Pool) ([]byte, error) {
	w := io.NewBufBinWriter()
	w.WriteU64LE(p.Queue.Head)
	w.WriteU64LE(p.Queue.Tail)
	w.WriteU64LE(p.VaultBalance)
	w.WriteU64LE(p.AccruedFees)
	w.WriteU64LE(p.TotalDeposits)
	w.WriteU64LE(p.TotalWithdrawals)
	w.WriteU64LE(p.Rounds)
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(), nil
}

func decodeCounters(raw []byte, p *pool.Pool) error {
	r := io.NewBinReaderFromBuf(raw)
	p.Queue.Head = r.ReadU64LE()
	p.Queue.Tail = r.ReadU64LE()
	p.VaultBalance = r.ReadU64LE()
	p.AccruedFees = r.ReadU64LE()
	p.TotalDeposits = r.ReadU64LE()
	p.TotalWithdrawals = r.ReadU64LE()
	p.Rounds = r.ReadU64LE()
	if r.Err != nil {
		return fmt.Errorf("decode pool counters: %w", r.Err)
	}
	if p.Queue.Len() > p.Queue.Cap() {
		return fmt.Errorf("decode pool counters: queue length %d exceeds capacity %d", p.Queue.Len(), p.Queue.Cap())
	}
	return nil
}

func encodeRecord(rec coinjoin.DepositRecord) ([]byte, error) {
	w := io.NewBufBinWriter()
	w.WriteString(rec.ID)
	w.WriteString(rec.Depositor.String())
	w.WriteString(rec.ReceivingAddress.String())
	w.WriteU64LE(rec.MinAmountOut)
	w.WriteU32LE(rec.MaxSlippageBps)
	writeTime(w.BinWriter, rec.ExpiresAt)
	writeTime(w.BinWriter, rec.CreatedAt)
	w.WriteString(rec.Commitment)
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(), nil
}

func decodeRecord(raw []byte) (coinjoin.DepositRecord, error) {
	r := io.NewBinReaderFromBuf(raw)
	rec := coinjoin.DepositRecord{
		ID:               r.ReadString(),
		Depositor:        coinjoin.Address(r.ReadString()),
		ReceivingAddress: coinjoin.Address(r.ReadString()),
		MinAmountOut:     r.ReadU64LE(),
		MaxSlippageBps:   r.ReadU32LE(),
	}
	rec.ExpiresAt = readTime(r)
	rec.CreatedAt = readTime(r)
	rec.Commitment = r.ReadString()
	if r.Err != nil {
		return coinjoin.DepositRecord{}, fmt.Errorf("decode deposit: %w", r.Err)
	}
	return rec, nil
}

func writeTime(w *io.BinWriter, t time.Time) {
	w.WriteU64LE(uint64(t.Unix()))
	w.WriteU32LE(uint32(t.Nanosecond()))
}

func readTime(r *io.BinReader) time.Time {
	sec := int64(r.ReadU64LE())
	nsec := int64(r.ReadU32LE())
	return time.Unix(sec, nsec).UTC()
}
