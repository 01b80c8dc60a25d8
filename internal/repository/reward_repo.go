package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"companion-llm/internal/domain"
)

var (
	// ErrRewardExists indica que el par ya tiene recompensa asignada.
	ErrRewardExists = errors.New("reward already exists for pair")
	// ErrRewardCapReached indica que el cupo global (100) esta agotado.
	ErrRewardCapReached = errors.New("reward cap reached")
)

// RewardRepository persiste las recompensas de rango limitado. La asignacion
// del siguiente rango es transaccional: unicidad de (user,character) mas rango
// estrictamente creciente bajo concurrencia.
type RewardRepository interface {
	AllocateNext(ctx context.Context, pair domain.Pair, cap int, at time.Time) (domain.Reward, error)
	GetByPair(ctx context.Context, pair domain.Pair) (domain.Reward, error)
	List(ctx context.Context) ([]domain.Reward, error)
	Count(ctx context.Context) (int, error)
	SetWallet(ctx context.Context, pair domain.Pair, wallet string) error
}

type SqliteRewardRepository struct {
	store *Store
}

func NewSqliteRewardRepository(store *Store) *SqliteRewardRepository {
	return &SqliteRewardRepository{store: store}
}

// AllocateNext asigna el siguiente rango dentro de una transaccion. El INSERT
// golpea la restriccion UNIQUE(user_id, character_id) si el par ya tiene una.
func (r *SqliteRewardRepository) AllocateNext(ctx context.Context, pair domain.Pair, cap int, at time.Time) (domain.Reward, error) {
	if cap <= 0 {
		cap = 100
	}
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return domain.Reward{}, err
	}
	tx, err := handle.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reward{}, err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rewards WHERE user_id=? AND character_id=?`,
		pair.UserID, pair.CharacterID).Scan(&existing); err != nil {
		return domain.Reward{}, err
	}
	if existing > 0 {
		return domain.Reward{}, ErrRewardExists
	}

	var maxRank sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(rank) FROM rewards`).Scan(&maxRank); err != nil {
		return domain.Reward{}, err
	}
	next := 1
	if maxRank.Valid {
		next = int(maxRank.Int64) + 1
	}
	if next > cap {
		return domain.Reward{}, ErrRewardCapReached
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rewards (rank, user_id, character_id, awarded_at, wallet_address, minted)
		VALUES (?,?,?,?,?,0)`,
		next, pair.UserID, pair.CharacterID, fmtTime(at), ""); err != nil {
		return domain.Reward{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reward{}, err
	}
	return domain.Reward{
		Rank:        next,
		UserID:      pair.UserID,
		CharacterID: pair.CharacterID,
		AwardedAt:   at.UTC(),
	}, nil
}

func (r *SqliteRewardRepository) GetByPair(ctx context.Context, pair domain.Pair) (domain.Reward, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return domain.Reward{}, err
	}
	row := handle.QueryRowContext(ctx, `
		SELECT rank, user_id, character_id, awarded_at, wallet_address, minted
		FROM rewards WHERE user_id=? AND character_id=?`, pair.UserID, pair.CharacterID)
	reward, err := scanReward(row)
	if err == sql.ErrNoRows {
		return domain.Reward{}, ErrNotFound
	}
	return reward, err
}

func (r *SqliteRewardRepository) List(ctx context.Context) ([]domain.Reward, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT rank, user_id, character_id, awarded_at, wallet_address, minted
		FROM rewards ORDER BY rank`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		reward, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reward)
	}
	return out, rows.Err()
}

func (r *SqliteRewardRepository) Count(ctx context.Context) (int, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = handle.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewards`).Scan(&count)
	return count, err
}

func (r *SqliteRewardRepository) SetWallet(ctx context.Context, pair domain.Pair, wallet string) error {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx, `
		UPDATE rewards SET wallet_address=? WHERE user_id=? AND character_id=?`,
		wallet, pair.UserID, pair.CharacterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanReward(row rowScanner) (domain.Reward, error) {
	var (
		reward    domain.Reward
		awardedAt string
		minted    int
	)
	err := row.Scan(&reward.Rank, &reward.UserID, &reward.CharacterID, &awardedAt,
		&reward.WalletAddress, &minted)
	if err != nil {
		return domain.Reward{}, err
	}
	reward.AwardedAt = parseTime(awardedAt)
	reward.Minted = minted != 0
	return reward, nil
}
