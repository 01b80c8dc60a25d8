package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"companion-llm/internal/domain"
)

// ContextWindowRepository persiste la ventana conversacional por conversation_id.
type ContextWindowRepository interface {
	Get(ctx context.Context, pair domain.Pair, conversationID string) (domain.ContextWindow, error)
	Save(ctx context.Context, pair domain.Pair, w domain.ContextWindow) error
}

type SqliteContextWindowRepository struct {
	store *Store
}

func NewSqliteContextWindowRepository(store *Store) *SqliteContextWindowRepository {
	return &SqliteContextWindowRepository{store: store}
}

func (r *SqliteContextWindowRepository) Get(ctx context.Context, pair domain.Pair, conversationID string) (domain.ContextWindow, error) {
	var out domain.ContextWindow
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		var (
			entityIDs string
			updatedAt string
		)
		row := handle.QueryRowContext(ctx, `
			SELECT conversation_id, entity_ids, current_topic, emotional_context, updated_at
			FROM context_windows WHERE conversation_id=?`, conversationID)
		err := row.Scan(&out.ConversationID, &entityIDs, &out.CurrentTopic, &out.EmotionalContext, &updatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out.UpdatedAt = parseTime(updatedAt)
		_ = json.Unmarshal([]byte(entityIDs), &out.EntityIDs)
		return nil
	})
	return out, err
}

func (r *SqliteContextWindowRepository) Save(ctx context.Context, pair domain.Pair, w domain.ContextWindow) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		entityIDs, _ := json.Marshal(w.EntityIDs)
		_, err := handle.ExecContext(ctx, `
			INSERT INTO context_windows (conversation_id, entity_ids, current_topic, emotional_context, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				entity_ids=excluded.entity_ids,
				current_topic=excluded.current_topic,
				emotional_context=excluded.emotional_context,
				updated_at=excluded.updated_at`,
			w.ConversationID, string(entityIDs), w.CurrentTopic, w.EmotionalContext, fmtTime(w.UpdatedAt))
		return err
	})
}
