package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// columnSpec describe una columna requerida para la migracion aditiva.
type columnSpec struct {
	name string
	ddl  string // tipo + default seguro
}

var memoryColumns = []columnSpec{
	{"id", "TEXT PRIMARY KEY"},
	{"user_id", "TEXT NOT NULL DEFAULT ''"},
	{"character_id", "TEXT NOT NULL DEFAULT ''"},
	{"content", "TEXT NOT NULL DEFAULT ''"},
	{"memory_type", "TEXT NOT NULL DEFAULT 'buffer'"},
	{"importance", "REAL NOT NULL DEFAULT 0.5"},
	{"emotional_valence", "REAL NOT NULL DEFAULT 0"},
	{"relationship_impact", "REAL NOT NULL DEFAULT 0"},
	{"related_entity_ids", "TEXT NOT NULL DEFAULT '[]'"},
	{"conversation_id", "TEXT NOT NULL DEFAULT ''"},
	{"topic", "TEXT NOT NULL DEFAULT 'general'"},
	{"created_at", "TEXT NOT NULL DEFAULT ''"},
	{"last_accessed", "TEXT NOT NULL DEFAULT ''"},
	{"access_count", "INTEGER NOT NULL DEFAULT 0"},
	{"archive_status", "TEXT NOT NULL DEFAULT 'active'"},
	{"compressed_content", "TEXT NOT NULL DEFAULT ''"},
	{"compression_ratio", "REAL NOT NULL DEFAULT 0"},
}

var entityColumns = []columnSpec{
	{"id", "TEXT PRIMARY KEY"},
	{"user_id", "TEXT NOT NULL DEFAULT ''"},
	{"name", "TEXT NOT NULL DEFAULT ''"},
	{"normalized_name", "TEXT NOT NULL DEFAULT ''"},
	{"entity_type", "TEXT NOT NULL DEFAULT 'person'"},
	{"aliases", "TEXT NOT NULL DEFAULT '[]'"},
	{"attributes", "TEXT NOT NULL DEFAULT '{}'"},
	{"first_seen", "TEXT NOT NULL DEFAULT ''"},
	{"last_seen", "TEXT NOT NULL DEFAULT ''"},
	{"mention_count", "INTEGER NOT NULL DEFAULT 0"},
	{"confidence", "REAL NOT NULL DEFAULT 0.8"},
}

// MigratePairDB crea las tablas de la base del par si faltan y aplica
// migraciones aditivas: columnas nuevas con defaults seguros, indices
// idempotentes. Nunca borra columnas.
func MigratePairDB(ctx context.Context, handle *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (` + columnsDDL(memoryColumns) + `)`,
		`CREATE TABLE IF NOT EXISTS entities (` + columnsDDL(entityColumns) + `)`,
		`CREATE TABLE IF NOT EXISTS entity_edges (
			entity_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			PRIMARY KEY (entity_id, relationship_type, target_id)
		)`,
		`CREATE TABLE IF NOT EXISTS entity_mentions (
			entity_id TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			mentioned_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_id, memory_id)
		)`,
		`CREATE TABLE IF NOT EXISTS context_windows (
			conversation_id TEXT PRIMARY KEY,
			entity_ids TEXT NOT NULL DEFAULT '[]',
			current_topic TEXT NOT NULL DEFAULT '',
			emotional_context TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := handle.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if err := ensureColumns(ctx, handle, "memories", memoryColumns); err != nil {
		return err
	}
	if err := ensureColumns(ctx, handle, "entities", entityColumns); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_pair_time ON memories (user_id, character_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories (importance DESC, archive_status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type_time ON memories (memory_type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (normalized_name)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_conversation ON memories (conversation_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_unique ON entities (user_id, entity_type, normalized_name)`,
	}
	for _, stmt := range indexes {
		if _, err := handle.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// MigrateSharedDB crea el esquema de la base compartida.
func MigrateSharedDB(ctx context.Context, handle *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relationships (
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 0,
			conversations INTEGER NOT NULL DEFAULT 0,
			time_minutes REAL NOT NULL DEFAULT 0,
			emotional_moments INTEGER NOT NULL DEFAULT 0,
			memories_shared INTEGER NOT NULL DEFAULT 0,
			conflicts_resolved INTEGER NOT NULL DEFAULT 0,
			growth_events INTEGER NOT NULL DEFAULT 0,
			trust_level REAL NOT NULL DEFAULT 0,
			consistency_score REAL NOT NULL DEFAULT 0,
			authenticity_score REAL NOT NULL DEFAULT 0,
			last_interaction TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS emotional_moments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			intensity REAL NOT NULL DEFAULT 0,
			excerpt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			last_activity TEXT NOT NULL DEFAULT '',
			exchanges INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			rank INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			awarded_at TEXT NOT NULL DEFAULT '',
			wallet_address TEXT NOT NULL DEFAULT '',
			minted INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_keys (
			exchange_key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS character_states (
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			state_json TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, character_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moments_pair_time ON emotional_moments (user_id, character_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pair ON conversation_sessions (user_id, character_id)`,
	}
	for _, stmt := range stmts {
		if _, err := handle.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("shared schema: %w", err)
		}
	}
	return nil
}

// ensureColumns introspecciona la tabla y agrega las columnas ausentes.
func ensureColumns(ctx context.Context, handle *sql.DB, table string, required []columnSpec) error {
	rows, err := handle.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return fmt.Errorf("introspect %s: %w", table, err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range required {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col.name, col.ddl)
		if _, err := handle.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

func columnsDDL(cols []columnSpec) string {
	ddl := ""
	for i, col := range cols {
		if i > 0 {
			ddl += ", "
		}
		ddl += col.name + " " + col.ddl
	}
	return ddl
}
