package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateAccountConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO coinjoin_accounts")).
		WithArgs("pool/10", []byte("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CreateAccount(context.Background(), "pool/10", []byte("{}"))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSwapAccountDistinguishesConflictFromMissing(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE coinjoin_accounts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM coinjoin_accounts")).
		WithArgs("pool/10").
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "updated_at"}).AddRow("pool/10", []byte("other"), now))

	if err := store.SwapAccount(ctx, "pool/10", []byte("old"), []byte("new")); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE coinjoin_accounts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM coinjoin_accounts")).
		WithArgs("pool/20").
		WillReturnError(sql.ErrNoRows)

	if err := store.SwapAccount(ctx, "pool/20", []byte("old"), []byte("new")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListAccountsEscapesPrefix(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id LIKE $1")).
		WithArgs(`pool\_x/%`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "updated_at"}))

	accts, err := store.ListAccounts(context.Background(), "pool_x/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accts) != 0 {
		t.Fatalf("expected no accounts, got %d", len(accts))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRounds(t *testing.T) {
	store, mock := newMockStore(t)
	settled := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM coinjoin_rounds")).
		WithArgs(int64(10_000_000), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "denomination", "participants", "total_payout", "total_fees", "commitments", "settled_at"}).
			AddRow("r1", int64(10_000_000), int64(3), int64(29_970_000), int64(30_000), []byte("{aa,bb,cc}"), settled))

	rounds, err := store.ListRounds(context.Background(), 10_000_000, 5)
	if err != nil {
		t.Fatalf("list rounds: %v", err)
	}
	if len(rounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(rounds))
	}
	r := rounds[0]
	if r.Participants != 3 || r.TotalFees != 30_000 || len(r.Commitments) != 3 || r.Commitments[2] != "cc" {
		t.Fatalf("unexpected round: %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRoundNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM coinjoin_rounds")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetRound(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)
	ctx := context.Background()

	id := "itest/" + uuid.NewString()
	if err := store.CreateAccount(ctx, id, []byte("v1")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.SwapAccount(ctx, id, []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("swap account: %v", err)
	}
	acct, err := store.GetAccount(ctx, id)
	if err != nil || string(acct.Data) != "v2" {
		t.Fatalf("get account = %q, %v", acct.Data, err)
	}

	round, err := store.CreateRound(ctx, coinjoin.Round{Denomination: 42, Participants: 3, Commitments: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	got, err := store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if len(got.Commitments) != 3 {
		t.Fatalf("commitments = %v", got.Commitments)
	}
}
