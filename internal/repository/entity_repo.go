package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"companion-llm/internal/domain"
)

// EntityRepository define el contrato de persistencia para el grafo de
// entidades por usuario dentro de la base del par.
type EntityRepository interface {
	Upsert(ctx context.Context, pair domain.Pair, e domain.Entity) error
	GetByNormalizedName(ctx context.Context, pair domain.Pair, entityType domain.EntityType, name string) (domain.Entity, error)
	GetByID(ctx context.Context, pair domain.Pair, id string) (domain.Entity, error)
	ListByIDs(ctx context.Context, pair domain.Pair, ids []string) ([]domain.Entity, error)
	ListTop(ctx context.Context, pair domain.Pair, limit int) ([]domain.Entity, error)
	AddEdge(ctx context.Context, pair domain.Pair, entityID, relationshipType, targetID string) error
	RecordMention(ctx context.Context, pair domain.Pair, entityID, memoryID, conversationID string, at time.Time) error
	Count(ctx context.Context, pair domain.Pair) (int, error)
}

const entityCols = `id, user_id, name, normalized_name, entity_type, aliases,
	attributes, first_seen, last_seen, mention_count, confidence`

// SqliteEntityRepository implementa EntityRepository sobre la base del par.
type SqliteEntityRepository struct {
	store *Store
}

func NewSqliteEntityRepository(store *Store) *SqliteEntityRepository {
	return &SqliteEntityRepository{store: store}
}

func (r *SqliteEntityRepository) Upsert(ctx context.Context, pair domain.Pair, e domain.Entity) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		aliases, _ := json.Marshal(e.Aliases)
		attrs, _ := json.Marshal(e.Attributes)
		_, err := handle.ExecContext(ctx, `
			INSERT INTO entities (`+entityCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(user_id, entity_type, normalized_name) DO UPDATE SET
				name=excluded.name,
				aliases=excluded.aliases,
				attributes=excluded.attributes,
				last_seen=excluded.last_seen,
				mention_count=excluded.mention_count,
				confidence=excluded.confidence`,
			e.ID, e.UserID, e.Name, domain.NormalizeEntityName(e.Name), string(e.Type),
			string(aliases), string(attrs), fmtTime(e.FirstSeen), fmtTime(e.LastSeen),
			e.MentionCount, e.Confidence,
		)
		if err != nil {
			return err
		}
		// Las aristas viven en su propia tabla; upsert idempotente por tripla.
		for relType, targets := range e.Edges {
			for _, target := range targets {
				if _, err := handle.ExecContext(ctx, `
					INSERT OR IGNORE INTO entity_edges (entity_id, relationship_type, target_id)
					VALUES (?,?,?)`, e.ID, relType, target); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *SqliteEntityRepository) GetByNormalizedName(ctx context.Context, pair domain.Pair, entityType domain.EntityType, name string) (domain.Entity, error) {
	var out domain.Entity
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		row := handle.QueryRowContext(ctx, `
			SELECT `+entityCols+` FROM entities
			WHERE user_id=? AND entity_type=? AND normalized_name=?`,
			pair.UserID, string(entityType), domain.NormalizeEntityName(name))
		e, err := r.scanEntity(ctx, handle, row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *SqliteEntityRepository) GetByID(ctx context.Context, pair domain.Pair, id string) (domain.Entity, error) {
	var out domain.Entity
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		row := handle.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id)
		e, err := r.scanEntity(ctx, handle, row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *SqliteEntityRepository) ListByIDs(ctx context.Context, pair domain.Pair, ids []string) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Entity
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := handle.QueryContext(ctx, `
			SELECT `+entityCols+` FROM entities WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = r.scanEntities(ctx, handle, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Preservar el orden pedido (la ventana de contexto ordena por recencia).
	byID := make(map[string]domain.Entity, len(out))
	for _, e := range out {
		byID[e.ID] = e
	}
	ordered := make([]domain.Entity, 0, len(out))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// ListTop devuelve las entidades mejor rankeadas: menciones con decaimiento por
// last_seen viejo, desempatado por nombre.
func (r *SqliteEntityRepository) ListTop(ctx context.Context, pair domain.Pair, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []domain.Entity
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		rows, err := handle.QueryContext(ctx, `
			SELECT `+entityCols+` FROM entities
			WHERE user_id=?
			ORDER BY mention_count DESC, last_seen DESC, normalized_name LIMIT ?`,
			pair.UserID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = r.scanEntities(ctx, handle, rows)
		return err
	})
	return out, err
}

func (r *SqliteEntityRepository) AddEdge(ctx context.Context, pair domain.Pair, entityID, relationshipType, targetID string) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		_, err := handle.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_edges (entity_id, relationship_type, target_id)
			VALUES (?,?,?)`, entityID, relationshipType, targetID)
		return err
	})
}

func (r *SqliteEntityRepository) RecordMention(ctx context.Context, pair domain.Pair, entityID, memoryID, conversationID string, at time.Time) error {
	return r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		_, err := handle.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_mentions (entity_id, memory_id, conversation_id, mentioned_at)
			VALUES (?,?,?,?)`, entityID, memoryID, conversationID, fmtTime(at))
		return err
	})
}

func (r *SqliteEntityRepository) Count(ctx context.Context, pair domain.Pair) (int, error) {
	var count int
	err := r.store.withPairRetry(ctx, pair, func(handle *sql.DB) error {
		return handle.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE user_id=?`, pair.UserID).Scan(&count)
	})
	return count, err
}

func (r *SqliteEntityRepository) scanEntity(ctx context.Context, handle *sql.DB, row rowScanner) (domain.Entity, error) {
	var (
		e                   domain.Entity
		entityType          string
		normalized          string
		aliases, attrs      string
		firstSeen, lastSeen string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &normalized, &entityType,
		&aliases, &attrs, &firstSeen, &lastSeen, &e.MentionCount, &e.Confidence)
	if err != nil {
		return domain.Entity{}, err
	}
	e.Type = domain.EntityType(entityType)
	e.FirstSeen = parseTime(firstSeen)
	e.LastSeen = parseTime(lastSeen)
	_ = json.Unmarshal([]byte(aliases), &e.Aliases)
	_ = json.Unmarshal([]byte(attrs), &e.Attributes)

	edges, err := r.loadEdges(ctx, handle, e.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	e.Edges = edges
	return e, nil
}

func (r *SqliteEntityRepository) scanEntities(ctx context.Context, handle *sql.DB, rows *sql.Rows) ([]domain.Entity, error) {
	var out []domain.Entity
	for rows.Next() {
		var (
			e                   domain.Entity
			entityType          string
			normalized          string
			aliases, attrs      string
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &normalized, &entityType,
			&aliases, &attrs, &firstSeen, &lastSeen, &e.MentionCount, &e.Confidence); err != nil {
			return nil, err
		}
		e.Type = domain.EntityType(entityType)
		e.FirstSeen = parseTime(firstSeen)
		e.LastSeen = parseTime(lastSeen)
		_ = json.Unmarshal([]byte(aliases), &e.Aliases)
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		edges, err := r.loadEdges(ctx, handle, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Edges = edges
	}
	return out, nil
}

func (r *SqliteEntityRepository) loadEdges(ctx context.Context, handle *sql.DB, entityID string) (map[string][]string, error) {
	rows, err := handle.QueryContext(ctx, `
		SELECT relationship_type, target_id FROM entity_edges
		WHERE entity_id=? ORDER BY relationship_type, target_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges map[string][]string
	for rows.Next() {
		var relType, target string
		if err := rows.Scan(&relType, &target); err != nil {
			return nil, err
		}
		if edges == nil {
			edges = make(map[string][]string)
		}
		edges[relType] = append(edges[relType], target)
	}
	return edges, rows.Err()
}
