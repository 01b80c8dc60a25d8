package repository

import (
	"context"
	"database/sql"
	"time"

	"companion-llm/internal/domain"
)

// RelationshipRepository persiste el estado del vinculo, momentos emocionales,
// sesiones de conversacion y claves de idempotencia en la base compartida.
type RelationshipRepository interface {
	Get(ctx context.Context, pair domain.Pair) (domain.RelationshipState, error)
	Upsert(ctx context.Context, state domain.RelationshipState) error
	ListByCharacter(ctx context.Context, characterID string, limit int) ([]domain.RelationshipState, error)
	InsertMoment(ctx context.Context, moment domain.EmotionalMoment) error
	CountMomentsSince(ctx context.Context, pair domain.Pair, since time.Time) (int, error)
	ClaimExchangeKey(ctx context.Context, pair domain.Pair, key string, at time.Time) (bool, error)
	UpsertSession(ctx context.Context, session domain.ConversationSession) error
	GetSession(ctx context.Context, pair domain.Pair, conversationID string) (domain.ConversationSession, error)
	SaveCharacterState(ctx context.Context, pair domain.Pair, stateJSON string, at time.Time) error
	LoadCharacterState(ctx context.Context, pair domain.Pair) (string, error)
}

type SqliteRelationshipRepository struct {
	store *Store
}

func NewSqliteRelationshipRepository(store *Store) *SqliteRelationshipRepository {
	return &SqliteRelationshipRepository{store: store}
}

const relationshipCols = `user_id, character_id, level, conversations, time_minutes,
	emotional_moments, memories_shared, conflicts_resolved, growth_events,
	trust_level, consistency_score, authenticity_score, last_interaction, created_at`

func (r *SqliteRelationshipRepository) Get(ctx context.Context, pair domain.Pair) (domain.RelationshipState, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return domain.RelationshipState{}, err
	}
	row := handle.QueryRowContext(ctx, `
		SELECT `+relationshipCols+` FROM relationships
		WHERE user_id=? AND character_id=?`, pair.UserID, pair.CharacterID)
	state, err := scanRelationship(row)
	if err == sql.ErrNoRows {
		return domain.RelationshipState{}, ErrNotFound
	}
	return state, err
}

func (r *SqliteRelationshipRepository) Upsert(ctx context.Context, state domain.RelationshipState) error {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return err
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO relationships (`+relationshipCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, character_id) DO UPDATE SET
			level=excluded.level,
			conversations=excluded.conversations,
			time_minutes=excluded.time_minutes,
			emotional_moments=excluded.emotional_moments,
			memories_shared=excluded.memories_shared,
			conflicts_resolved=excluded.conflicts_resolved,
			growth_events=excluded.growth_events,
			trust_level=excluded.trust_level,
			consistency_score=excluded.consistency_score,
			authenticity_score=excluded.authenticity_score,
			last_interaction=excluded.last_interaction`,
		state.Pair.UserID, state.Pair.CharacterID, state.Level, state.Conversations,
		state.TimeMinutes, state.EmotionalMoments, state.MemoriesShared,
		state.ConflictsResolved, state.GrowthEvents, state.TrustLevel,
		state.ConsistencyScore, state.AuthenticityScore,
		fmtTime(state.LastInteraction), fmtTime(state.CreatedAt))
	return err
}

func (r *SqliteRelationshipRepository) ListByCharacter(ctx context.Context, characterID string, limit int) ([]domain.RelationshipState, error) {
	if limit <= 0 {
		limit = 50
	}
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT `+relationshipCols+` FROM relationships
		WHERE character_id=?
		ORDER BY level DESC, time_minutes DESC, user_id LIMIT ?`, characterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RelationshipState
	for rows.Next() {
		state, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (r *SqliteRelationshipRepository) InsertMoment(ctx context.Context, moment domain.EmotionalMoment) error {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return err
	}
	excerpt := moment.Excerpt
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	_, err = handle.ExecContext(ctx, `
		INSERT OR IGNORE INTO emotional_moments (id, user_id, character_id, emotion, intensity, excerpt, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		moment.ID, moment.Pair.UserID, moment.Pair.CharacterID, moment.Emotion,
		moment.Intensity, excerpt, fmtTime(moment.CreatedAt))
	return err
}

func (r *SqliteRelationshipRepository) CountMomentsSince(ctx context.Context, pair domain.Pair, since time.Time) (int, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = handle.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM emotional_moments
		WHERE user_id=? AND character_id=? AND created_at>=?`,
		pair.UserID, pair.CharacterID, fmtTime(since)).Scan(&count)
	return count, err
}

// ClaimExchangeKey intenta reclamar la clave de idempotencia del intercambio.
// Devuelve false si ya estaba reclamada: los contadores no deben re-aplicarse.
func (r *SqliteRelationshipRepository) ClaimExchangeKey(ctx context.Context, pair domain.Pair, key string, at time.Time) (bool, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return false, err
	}
	res, err := handle.ExecContext(ctx, `
		INSERT OR IGNORE INTO exchange_keys (exchange_key, user_id, character_id, created_at)
		VALUES (?,?,?,?)`, key, pair.UserID, pair.CharacterID, fmtTime(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SqliteRelationshipRepository) UpsertSession(ctx context.Context, session domain.ConversationSession) error {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return err
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO conversation_sessions (id, user_id, character_id, started_at, last_activity, exchanges)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity=excluded.last_activity,
			exchanges=excluded.exchanges`,
		session.ID, session.Pair.UserID, session.Pair.CharacterID,
		fmtTime(session.StartedAt), fmtTime(session.LastActivity), session.Exchanges)
	return err
}

func (r *SqliteRelationshipRepository) GetSession(ctx context.Context, pair domain.Pair, conversationID string) (domain.ConversationSession, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return domain.ConversationSession{}, err
	}
	var (
		s                       domain.ConversationSession
		startedAt, lastActivity string
	)
	row := handle.QueryRowContext(ctx, `
		SELECT id, user_id, character_id, started_at, last_activity, exchanges
		FROM conversation_sessions WHERE id=?`, conversationID)
	err = row.Scan(&s.ID, &s.Pair.UserID, &s.Pair.CharacterID, &startedAt, &lastActivity, &s.Exchanges)
	if err == sql.ErrNoRows {
		return domain.ConversationSession{}, ErrNotFound
	}
	if err != nil {
		return domain.ConversationSession{}, err
	}
	s.StartedAt = parseTime(startedAt)
	s.LastActivity = parseTime(lastActivity)
	return s, nil
}

func (r *SqliteRelationshipRepository) SaveCharacterState(ctx context.Context, pair domain.Pair, stateJSON string, at time.Time) error {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return err
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO character_states (user_id, character_id, state_json, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(user_id, character_id) DO UPDATE SET
			state_json=excluded.state_json,
			updated_at=excluded.updated_at`,
		pair.UserID, pair.CharacterID, stateJSON, fmtTime(at))
	return err
}

func (r *SqliteRelationshipRepository) LoadCharacterState(ctx context.Context, pair domain.Pair) (string, error) {
	handle, err := r.store.Shared(ctx)
	if err != nil {
		return "", err
	}
	var stateJSON string
	err = handle.QueryRowContext(ctx, `
		SELECT state_json FROM character_states WHERE user_id=? AND character_id=?`,
		pair.UserID, pair.CharacterID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return stateJSON, err
}

func scanRelationship(row rowScanner) (domain.RelationshipState, error) {
	var (
		s                           domain.RelationshipState
		lastInteraction, createdAt string
	)
	err := row.Scan(&s.Pair.UserID, &s.Pair.CharacterID, &s.Level, &s.Conversations,
		&s.TimeMinutes, &s.EmotionalMoments, &s.MemoriesShared, &s.ConflictsResolved,
		&s.GrowthEvents, &s.TrustLevel, &s.ConsistencyScore, &s.AuthenticityScore,
		&lastInteraction, &createdAt)
	if err != nil {
		return domain.RelationshipState{}, err
	}
	s.LastInteraction = parseTime(lastInteraction)
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}
