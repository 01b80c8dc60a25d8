package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"companion-llm/internal/domain"
)

// MemoryRepository define el contrato de persistencia para memorias por par.
type MemoryRepository interface {
	Insert(ctx context.Context, m domain.MemoryEntry) error
	Update(ctx context.Context, m domain.MemoryEntry) error
	Delete(ctx context.Context, pair domain.Pair, id string) error
	GetByID(ctx context.Context, pair domain.Pair, id string) (domain.MemoryEntry, error)
	QueryRecent(ctx context.Context, pair domain.Pair, memType domain.MemoryType, limit int) ([]domain.MemoryEntry, error)
	QueryByImportance(ctx context.Context, pair domain.Pair, min float64, limit int) ([]domain.MemoryEntry, error)
	SearchText(ctx context.Context, pair domain.Pair, query string, limit int) ([]domain.MemoryEntry, error)
	CountByType(ctx context.Context, pair domain.Pair, memType domain.MemoryType) (int, error)
	OldestBuffer(ctx context.Context, pair domain.Pair, limit int) ([]domain.MemoryEntry, error)
	ListAll(ctx context.Context, pair domain.Pair) ([]domain.MemoryEntry, error)
	PromoteToSummary(ctx context.Context, pair domain.Pair, summary domain.MemoryEntry, dropIDs []string) error
	ListMaintenanceCandidates(ctx context.Context, pair domain.Pair, olderThan time.Time) ([]domain.MemoryEntry, error)
	TouchAccess(ctx context.Context, pair domain.Pair, id string, at time.Time) error
	Vacuum(ctx context.Context, pair domain.Pair) error
	Analyze(ctx context.Context, pair domain.Pair) error
}

const memoryCols = `id, user_id, character_id, content, memory_type, importance,
	emotional_valence, relationship_impact, related_entity_ids, conversation_id,
	topic, created_at, last_accessed, access_count, archive_status,
	compressed_content, compression_ratio`

// SqliteMemoryRepository implementa MemoryRepository sobre la base del par.
type SqliteMemoryRepository struct {
	store *Store
}

func NewSqliteMemoryRepository(store *Store) *SqliteMemoryRepository {
	return &SqliteMemoryRepository{store: store}
}

func (r *SqliteMemoryRepository) Insert(ctx context.Context, m domain.MemoryEntry) error {
	return r.store.withPairRetry(ctx, m.Pair, func(handle *sql.DB) error {
		related, _ := json.Marshal(m.RelatedEntityIDs)
		_, err := handle.ExecContext(ctx, `
			INSERT OR REPLACE INTO memories (`+memoryCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.Pair.UserID, m.Pair.CharacterID, m.Content, string(m.MemoryType),
			m.Importance, m.EmotionalValence, m.RelationshipImpact, string(related),
			m.ConversationID, m.Topic, fmtTime(m.CreatedAt), fmtTime(m.LastAccessed),
			m.AccessCount, string(m.ArchiveStatus), m.CompressedContent, m.CompressionRatio,
		)
		return err
	})
}

func (r *SqliteMemoryRepository) Update(ctx context.Context, m domain.MemoryEntry) error {
	return r.store.withPairRetry(ctx, m.Pair, func(handle *sql.DB) error {
		related, _ := json.Marshal(m.RelatedEntityIDs)
		res, err := handle.ExecContext(ctx, `
			UPDATE memories SET content=?, memory_type=?, importance=?,
				emotional_valence=?, relationship_impact=?, related_entity_ids=?,
				topic=?, last_accessed=?, access_count=?, archive_status=?,
				compressed_content=?, compression_ratio=?
			WHERE id=?`,
			m.Content, string(m.MemoryType), m.Importance, m.EmotionalValence,
			m.RelationshipImpact, string(related), m.Topic, fmtTime(m.LastAccessed),
			m.AccessCount, string(m.ArchiveStatus), m.CompressedContent,
			m.CompressionRatio, m.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *SqliteMemoryRepository) Delete(ctx context.Context, pair domain.Pair, id string) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		res, err := handle.ExecContext(ctx, `DELETE FROM memories WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *SqliteMemoryRepository) GetByID(ctx context.Context, pair domain.Pair, id string) (domain.MemoryEntry, error) {
	var out domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		row := handle.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memories WHERE id=?`, id)
		m, err := scanMemory(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (r *SqliteMemoryRepository) QueryRecent(ctx context.Context, pair domain.Pair, memType domain.MemoryType, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		query := `SELECT ` + memoryCols + ` FROM memories WHERE user_id=? AND character_id=?`
		args := []any{pair.UserID, pair.CharacterID}
		if memType != "" {
			query += ` AND memory_type=?`
			args = append(args, string(memType))
		}
		query += ` ORDER BY created_at DESC, id LIMIT ?`
		args = append(args, limit)

		rows, err := handle.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

func (r *SqliteMemoryRepository) QueryByImportance(ctx context.Context, pair domain.Pair, min float64, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		rows, err := handle.QueryContext(ctx, `
			SELECT `+memoryCols+` FROM memories
			WHERE user_id=? AND character_id=? AND importance>=?
			ORDER BY importance DESC, created_at DESC, id LIMIT ?`,
			pair.UserID, pair.CharacterID, min, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

// SearchText hace busqueda lexical con LIKE por token. Orden determinista:
// importancia, fecha, id.
func (r *SqliteMemoryRepository) SearchText(ctx context.Context, pair domain.Pair, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		var sb strings.Builder
		sb.WriteString(`SELECT ` + memoryCols + ` FROM memories WHERE user_id=? AND character_id=? AND (`)
		args := []any{pair.UserID, pair.CharacterID}
		for i, tok := range tokens {
			if i > 0 {
				sb.WriteString(` OR `)
			}
			sb.WriteString(`lower(content) LIKE ?`)
			args = append(args, "%"+tok+"%")
		}
		sb.WriteString(`) ORDER BY importance DESC, created_at DESC, id LIMIT ?`)
		args = append(args, limit)

		rows, err := handle.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

func (r *SqliteMemoryRepository) CountByType(ctx context.Context, pair domain.Pair, memType domain.MemoryType) (int, error) {
	var count int
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		return handle.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM memories
			WHERE user_id=? AND character_id=? AND memory_type=?`,
			pair.UserID, pair.CharacterID, string(memType)).Scan(&count)
	})
	return count, err
}

// OldestBuffer devuelve las memorias buffer menos valiosas primero (importancia
// ascendente, luego antiguedad) para la promocion a resumen.
func (r *SqliteMemoryRepository) OldestBuffer(ctx context.Context, pair domain.Pair, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		rows, err := handle.QueryContext(ctx, `
			SELECT `+memoryCols+` FROM memories
			WHERE user_id=? AND character_id=? AND memory_type=?
			ORDER BY importance ASC, created_at ASC, id LIMIT ?`,
			pair.UserID, pair.CharacterID, string(domain.MemoryBuffer), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

func (r *SqliteMemoryRepository) ListAll(ctx context.Context, pair domain.Pair) ([]domain.MemoryEntry, error) {
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		rows, err := handle.QueryContext(ctx, `
			SELECT `+memoryCols+` FROM memories
			WHERE user_id=? AND character_id=?
			ORDER BY created_at DESC, id`,
			pair.UserID, pair.CharacterID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

// PromoteToSummary inserta el resumen y degrada las filas cubiertas en una sola
// transaccion. Los resumenes son append-only.
func (r *SqliteMemoryRepository) PromoteToSummary(ctx context.Context, pair domain.Pair, summary domain.MemoryEntry, dropIDs []string) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		tx, err := handle.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		related, _ := json.Marshal(summary.RelatedEntityIDs)
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO memories (`+memoryCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			summary.ID, summary.Pair.UserID, summary.Pair.CharacterID, summary.Content,
			string(summary.MemoryType), summary.Importance, summary.EmotionalValence,
			summary.RelationshipImpact, string(related), summary.ConversationID,
			summary.Topic, fmtTime(summary.CreatedAt), fmtTime(summary.LastAccessed),
			summary.AccessCount, string(summary.ArchiveStatus), summary.CompressedContent,
			summary.CompressionRatio,
		); err != nil {
			return err
		}
		for _, id := range dropIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories SET memory_type=?, archive_status=? WHERE id=?`,
				string(domain.MemoryArchived), string(domain.ArchiveArchived), id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (r *SqliteMemoryRepository) ListMaintenanceCandidates(ctx context.Context, pair domain.Pair, olderThan time.Time) ([]domain.MemoryEntry, error) {
	var out []domain.MemoryEntry
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		rows, err := handle.QueryContext(ctx, `
			SELECT `+memoryCols+` FROM memories
			WHERE user_id=? AND character_id=? AND created_at<=? AND created_at!=''
			ORDER BY created_at ASC, id`,
			pair.UserID, pair.CharacterID, fmtTime(olderThan))
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMemories(rows)
		return err
	})
	return out, err
}

func (r *SqliteMemoryRepository) TouchAccess(ctx context.Context, pair domain.Pair, id string, at time.Time) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		_, err := handle.ExecContext(ctx, `
			UPDATE memories SET last_accessed=?, access_count=access_count+1 WHERE id=?`,
			fmtTime(at), id)
		return err
	})
}

func (r *SqliteMemoryRepository) Vacuum(ctx context.Context, pair domain.Pair) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		_, err := handle.ExecContext(ctx, `VACUUM`)
		return err
	})
}

func (r *SqliteMemoryRepository) Analyze(ctx context.Context, pair domain.Pair) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		_, err := handle.ExecContext(ctx, `ANALYZE`)
		return err
	})
}

type rowScanner interface {
	Scan(...any) error
}

func scanMemory(row rowScanner) (domain.MemoryEntry, error) {
	var (
		m                       domain.MemoryEntry
		memType, status         string
		related                 string
		createdAt, lastAccessed string
	)
	err := row.Scan(
		&m.ID, &m.Pair.UserID, &m.Pair.CharacterID, &m.Content, &memType,
		&m.Importance, &m.EmotionalValence, &m.RelationshipImpact, &related,
		&m.ConversationID, &m.Topic, &createdAt, &lastAccessed, &m.AccessCount,
		&status, &m.CompressedContent, &m.CompressionRatio,
	)
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	m.MemoryType = domain.MemoryType(memType)
	m.ArchiveStatus = domain.ArchiveStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.LastAccessed = parseTime(lastAccessed)
	if related != "" {
		_ = json.Unmarshal([]byte(related), &m.RelatedEntityIDs)
	}
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]domain.MemoryEntry, error) {
	var out []domain.MemoryEntry
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Timestamps en UTC ISO-8601 de ancho fijo: orden lexicografico == cronologico.
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
