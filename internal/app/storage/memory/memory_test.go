package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

func TestAccountSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.CreateAccount(ctx, "pool/1", []byte("v1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(ctx, "pool/1", []byte("v1")); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if err := s.SwapAccount(ctx, "pool/1", []byte("stale"), []byte("v2")); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.SwapAccount(ctx, "pool/1", []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("swap: %v", err)
	}
	acct, err := s.GetAccount(ctx, "pool/1")
	if err != nil || string(acct.Data) != "v2" {
		t.Fatalf("get = %q, %v", acct.Data, err)
	}
	acct.Data[0] = 'x'
	again, _ := s.GetAccount(ctx, "pool/1")
	if string(again.Data) != "v2" {
		t.Fatalf("store leaked its buffer")
	}
	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = s.CreateAccount(ctx, "pool/2", nil)
	_ = s.CreateAccount(ctx, "other", nil)
	list, _ := s.ListAccounts(ctx, "pool/")
	if len(list) != 2 || list[0].ID != "pool/1" || list[1].ID != "pool/2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestKVCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := storage.NewBatch()
	b.Put([]byte{1, 2}, []byte("a"))
	b.Put([]byte{1, 3}, []byte("b"))
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b = storage.NewBatch()
	b.Delete([]byte{1, 2})
	b.Put([]byte{1, 3}, []byte("c"))
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.Get(ctx, []byte{1, 2}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("deleted key still present: %v", err)
	}
	if v, _ := s.Get(ctx, []byte{1, 3}); string(v) != "c" {
		t.Fatalf("got %q, want c", v)
	}
}

func TestKVCommitExpectations(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := storage.NewBatch()
	b.Expect([]byte{9}, nil)
	b.Put([]byte{9}, []byte("v1"))
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("create-if-absent: %v", err)
	}

	b = storage.NewBatch()
	b.Expect([]byte{9}, nil)
	b.Put([]byte{9}, []byte("other"))
	if err := s.Commit(ctx, b); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on existing key, got %v", err)
	}

	b = storage.NewBatch()
	b.Expect([]byte{9}, []byte("stale"))
	b.Put([]byte{9}, []byte("v2"))
	b.Put([]byte{10}, []byte("side"))
	if err := s.Commit(ctx, b); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on stale value, got %v", err)
	}
	if _, err := s.Get(ctx, []byte{10}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed batch must write nothing, got %v", err)
	}

	b = storage.NewBatch()
	b.Expect([]byte{9}, []byte("v1"))
	b.Put([]byte{9}, []byte("v2"))
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("guarded commit: %v", err)
	}
	if v, _ := s.Get(ctx, []byte{9}); string(v) != "v2" {
		t.Fatalf("got %q, want v2", v)
	}
}

func TestRoundsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := s.CreateRound(ctx, coinjoin.Round{ID: id, Denomination: 10, Commitments: []string{id}}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	_, _ = s.CreateRound(ctx, coinjoin.Round{ID: "other", Denomination: 20})

	list, err := s.ListRounds(ctx, 10, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r3" || list[1].ID != "r2" {
		t.Fatalf("unexpected rounds: %+v", list)
	}
	if _, err := s.CreateRound(ctx, coinjoin.Round{ID: "r1"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	got, err := s.GetRound(ctx, "r2")
	if err != nil || got.Commitments[0] != "r2" {
		t.Fatalf("get round: %+v %v", got, err)
	}
}
