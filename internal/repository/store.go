package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"companion-llm/internal/db"
	"companion-llm/internal/domain"
)

var (
	// ErrStorageCorrupt indica corrupcion del archivo; las capas superiores
	// degradan a solo-lectura mas fallback en memoria.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrStorageUnavailable indica que el archivo no pudo abrirse.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound indica fila inexistente.
	ErrNotFound = errors.New("not found")
	// ErrMigrationFailed es fatal solo para el par afectado.
	ErrMigrationFailed = errors.New("schema migration failed")
)

// Store envuelve el pool de bases por par y garantiza que cada handle este
// migrado antes del primer uso. La migracion es aditiva e idempotente.
type Store struct {
	pool *db.PairPool

	mu             sync.Mutex
	migrated       map[string]bool
	sharedMigrated bool
}

func NewStore(pool *db.PairPool) *Store {
	return &Store{pool: pool, migrated: make(map[string]bool)}
}

// Pair devuelve el handle migrado del par.
func (s *Store) Pair(ctx context.Context, pair domain.Pair) (*sql.DB, error) {
	handle, err := s.pool.Open(pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	needsMigration := !s.migrated[pair.Key()]
	s.mu.Unlock()

	if needsMigration {
		if err := MigratePairDB(ctx, handle); err != nil {
			if isCorruption(err) {
				return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		s.mu.Lock()
		s.migrated[pair.Key()] = true
		s.mu.Unlock()
	}
	return handle, nil
}

// Shared devuelve la base compartida migrada (relationships, rewards, etc).
func (s *Store) Shared(ctx context.Context) (*sql.DB, error) {
	handle, err := s.pool.Shared()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	needsMigration := !s.sharedMigrated
	s.mu.Unlock()

	if needsMigration {
		if err := MigrateSharedDB(ctx, handle); err != nil {
			if isCorruption(err) {
				return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		s.mu.Lock()
		s.sharedMigrated = true
		s.mu.Unlock()
	}
	return handle, nil
}

// forgetPair invalida el flag de migracion del par; la proxima operacion
// re-migra antes de reintentar.
func (s *Store) forgetPair(pair domain.Pair) {
	s.mu.Lock()
	delete(s.migrated, pair.Key())
	s.mu.Unlock()
}

// withPairRetry ejecuta op sobre el handle del par. Una tabla ausente en
// tiempo de consulta dispara re-migracion y un unico reintento.
func (s *Store) withPairRetry(ctx context.Context, pair domain.Pair, op func(handle *sql.DB) error) error {
	handle, err := s.Pair(ctx, pair)
	if err != nil {
		return err
	}
	err = op(handle)
	if err == nil {
		return nil
	}
	if isCorruption(err) {
		return fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	if !isMissingTable(err) {
		return err
	}

	s.forgetPair(pair)
	handle, merr := s.Pair(ctx, pair)
	if merr != nil {
		return merr
	}
	return op(handle)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}
