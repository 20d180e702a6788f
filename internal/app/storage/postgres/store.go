package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.RoundStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, id string, data []byte) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO coinjoin_accounts (id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, data, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (storage.Account, error) {
	var acct storage.Account
	err := s.db.GetContext(ctx, &acct, `
		SELECT id, data, updated_at
		FROM coinjoin_accounts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Account{}, storage.ErrNotFound
	}
	return acct, err
}

func (s *Store) SwapAccount(ctx context.Context, id string, prev, next []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE coinjoin_accounts
		SET data = $3, updated_at = $4
		WHERE id = $1 AND data = $2
	`, id, prev, next, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.GetAccount(ctx, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) ListAccounts(ctx context.Context, prefix string) ([]storage.Account, error) {
	var accts []storage.Account
	err := s.db.SelectContext(ctx, &accts, `
		SELECT id, data, updated_at
		FROM coinjoin_accounts
		WHERE id LIKE $1 ESCAPE '\'
		ORDER BY id
	`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	return accts, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// --- RoundStore -------------------------------------------------------------

type roundRow struct {
	ID           string         `db:"id"`
	Denomination int64          `db:"denomination"`
	Participants int32          `db:"participants"`
	TotalPayout  int64          `db:"total_payout"`
	TotalFees    int64          `db:"total_fees"`
	Commitments  pq.StringArray `db:"commitments"`
	SettledAt    time.Time      `db:"settled_at"`
}

func (r roundRow) toDomain() coinjoin.Round {
	return coinjoin.Round{
		ID:           r.ID,
		Denomination: uint64(r.Denomination),
		Participants: uint32(r.Participants),
		TotalPayout:  uint64(r.TotalPayout),
		TotalFees:    uint64(r.TotalFees),
		Commitments:  []string(r.Commitments),
		SettledAt:    r.SettledAt.UTC(),
	}
}

func (s *Store) CreateRound(ctx context.Context, round coinjoin.Round) (coinjoin.Round, error) {
	if round.ID == "" {
		round.ID = uuid.NewString()
	}
	if round.SettledAt.IsZero() {
		round.SettledAt = time.Now().UTC()
	}
	if round.Commitments == nil {
		round.Commitments = []string{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coinjoin_rounds (id, denomination, participants, total_payout, total_fees, commitments, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, round.ID, int64(round.Denomination), int32(round.Participants), int64(round.TotalPayout),
		int64(round.TotalFees), pq.Array(round.Commitments), round.SettledAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return coinjoin.Round{}, storage.ErrAlreadyExists
		}
		return coinjoin.Round{}, err
	}
	return round, nil
}

func (s *Store) GetRound(ctx context.Context, id string) (coinjoin.Round, error) {
	var row roundRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, denomination, participants, total_payout, total_fees, commitments, settled_at
		FROM coinjoin_rounds
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return coinjoin.Round{}, storage.ErrNotFound
	}
	if err != nil {
		return coinjoin.Round{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListRounds(ctx context.Context, denomination uint64, limit int) ([]coinjoin.Round, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var rows []roundRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, denomination, participants, total_payout, total_fees, commitments, settled_at
		FROM coinjoin_rounds
		WHERE denomination = $1
		ORDER BY settled_at DESC, id DESC
		LIMIT $2
	`, int64(denomination), lim)
	if err != nil {
		return nil, err
	}
	out := make([]coinjoin.Round, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
