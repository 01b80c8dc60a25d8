package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"companion-llm/internal/domain"
)

// PairPool administra un *sql.DB embebido por par (character_id, user_id).
// Un escritor activo por archivo; lecturas concurrentes via WAL.
type PairPool struct {
	dir    string
	mu     sync.Mutex
	opened map[string]*sql.DB
	shared *sql.DB
}

// NewPairPool crea el pool apuntando al directorio de datos (memories/).
func NewPairPool(dir string) (*PairPool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &PairPool{dir: dir, opened: make(map[string]*sql.DB)}, nil
}

// Open devuelve el handle del par, abriendolo si hace falta. Idempotente y
// seguro para uso concurrente.
func (p *PairPool) Open(pair domain.Pair) (*sql.DB, error) {
	if !pair.Valid() {
		return nil, fmt.Errorf("invalid pair %q", pair.Key())
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.opened[pair.Key()]; ok {
		return db, nil
	}
	db, err := openSqlite(filepath.Join(p.dir, pair.DBFileName()))
	if err != nil {
		return nil, err
	}
	p.opened[pair.Key()] = db
	return db, nil
}

// Shared devuelve la base compartida (relationships, moments, sessions, rewards).
func (p *PairPool) Shared() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shared != nil {
		return p.shared, nil
	}
	db, err := openSqlite(filepath.Join(p.dir, "relationships.db"))
	if err != nil {
		return nil, err
	}
	p.shared = db
	return db, nil
}

// Close cierra todos los handles abiertos.
func (p *PairPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, db := range p.opened {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.opened, key)
	}
	if p.shared != nil {
		if err := p.shared.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.shared = nil
	}
	return firstErr
}

func openSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Un solo escritor por archivo; las lecturas comparten la conexion WAL.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}
