package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
)

// Fakes en memoria de los contratos de repositorio, compartidos por los tests
// del paquete.

type mockMemoryRepo struct {
	mu      sync.Mutex
	entries map[string]domain.MemoryEntry

	insertErr error
	listErr   error
	updated   []domain.MemoryEntry
	deleted   []string
	vacuums   int
	analyzes  int
}

func newMockMemoryRepo() *mockMemoryRepo {
	return &mockMemoryRepo{entries: make(map[string]domain.MemoryEntry)}
}

func (m *mockMemoryRepo) Insert(_ context.Context, e domain.MemoryEntry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *mockMemoryRepo) Update(_ context.Context, e domain.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return repository.ErrNotFound
	}
	m.entries[e.ID] = e
	m.updated = append(m.updated, e)
	return nil
}

func (m *mockMemoryRepo) Delete(_ context.Context, _ domain.Pair, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.entries, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockMemoryRepo) GetByID(_ context.Context, _ domain.Pair, id string) (domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.MemoryEntry{}, repository.ErrNotFound
	}
	return e, nil
}

func (m *mockMemoryRepo) byPair(pair domain.Pair) []domain.MemoryEntry {
	var out []domain.MemoryEntry
	for _, e := range m.entries {
		if e.Pair == pair {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockMemoryRepo) QueryRecent(_ context.Context, pair domain.Pair, memType domain.MemoryType, limit int) ([]domain.MemoryEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MemoryEntry
	for _, e := range m.byPair(pair) {
		if e.MemoryType == memType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMemoryRepo) QueryByImportance(_ context.Context, pair domain.Pair, min float64, limit int) ([]domain.MemoryEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MemoryEntry
	for _, e := range m.byPair(pair) {
		if e.Importance >= min {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMemoryRepo) SearchText(_ context.Context, pair domain.Pair, query string, limit int) ([]domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MemoryEntry
	for _, e := range m.byPair(pair) {
		if strings.Contains(strings.ToLower(e.Content), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMemoryRepo) CountByType(_ context.Context, pair domain.Pair, memType domain.MemoryType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byPair(pair) {
		if e.MemoryType == memType {
			n++
		}
	}
	return n, nil
}

func (m *mockMemoryRepo) OldestBuffer(_ context.Context, pair domain.Pair, limit int) ([]domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MemoryEntry
	for _, e := range m.byPair(pair) {
		if e.MemoryType == domain.MemoryBuffer {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance < out[j].Importance
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMemoryRepo) ListAll(_ context.Context, pair domain.Pair) ([]domain.MemoryEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.byPair(pair)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockMemoryRepo) PromoteToSummary(_ context.Context, _ domain.Pair, summary domain.MemoryEntry, dropIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[summary.ID] = summary
	for _, id := range dropIDs {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		e.MemoryType = domain.MemoryArchived
		e.ArchiveStatus = domain.ArchiveArchived
		m.entries[id] = e
	}
	return nil
}

func (m *mockMemoryRepo) ListMaintenanceCandidates(_ context.Context, pair domain.Pair, olderThan time.Time) ([]domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MemoryEntry
	for _, e := range m.byPair(pair) {
		if !e.CreatedAt.After(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockMemoryRepo) TouchAccess(_ context.Context, _ domain.Pair, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.AccessCount++
		e.LastAccessed = at
		m.entries[id] = e
	}
	return nil
}

func (m *mockMemoryRepo) Vacuum(context.Context, domain.Pair) error {
	m.mu.Lock()
	m.vacuums++
	m.mu.Unlock()
	return nil
}

func (m *mockMemoryRepo) Analyze(context.Context, domain.Pair) error {
	m.mu.Lock()
	m.analyzes++
	m.mu.Unlock()
	return nil
}

type mockEntityRepo struct {
	mu       sync.Mutex
	entities map[string]domain.Entity // por id
	mentions int
}

func newMockEntityRepo() *mockEntityRepo {
	return &mockEntityRepo{entities: make(map[string]domain.Entity)}
}

func (m *mockEntityRepo) Upsert(_ context.Context, _ domain.Pair, e domain.Entity) error {
	m.mu.Lock()
	m.entities[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *mockEntityRepo) GetByNormalizedName(_ context.Context, pair domain.Pair, entityType domain.EntityType, name string) (domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := domain.EntityID(pair.UserID, entityType, name)
	if e, ok := m.entities[id]; ok {
		return e, nil
	}
	// Segunda pasada por alias, como hace el repo real.
	for _, e := range m.entities {
		if e.Type == entityType && e.HasAlias(name) {
			return e, nil
		}
	}
	return domain.Entity{}, repository.ErrNotFound
}

func (m *mockEntityRepo) GetByID(_ context.Context, _ domain.Pair, id string) (domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[id]; ok {
		return e, nil
	}
	return domain.Entity{}, repository.ErrNotFound
}

func (m *mockEntityRepo) ListByIDs(_ context.Context, _ domain.Pair, ids []string) ([]domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockEntityRepo) ListTop(_ context.Context, _ domain.Pair, limit int) ([]domain.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Entity
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MentionCount != out[j].MentionCount {
			return out[i].MentionCount > out[j].MentionCount
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockEntityRepo) AddEdge(context.Context, domain.Pair, string, string, string) error {
	return nil
}

func (m *mockEntityRepo) RecordMention(context.Context, domain.Pair, string, string, string, time.Time) error {
	m.mu.Lock()
	m.mentions++
	m.mu.Unlock()
	return nil
}

func (m *mockEntityRepo) Count(context.Context, domain.Pair) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities), nil
}

type mockContextRepo struct {
	mu      sync.Mutex
	windows map[string]domain.ContextWindow
}

func newMockContextRepo() *mockContextRepo {
	return &mockContextRepo{windows: make(map[string]domain.ContextWindow)}
}

func (m *mockContextRepo) Get(_ context.Context, _ domain.Pair, conversationID string) (domain.ContextWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[conversationID]
	if !ok {
		return domain.ContextWindow{}, repository.ErrNotFound
	}
	return w, nil
}

func (m *mockContextRepo) Save(_ context.Context, _ domain.Pair, w domain.ContextWindow) error {
	m.mu.Lock()
	m.windows[w.ConversationID] = w
	m.mu.Unlock()
	return nil
}

type mockRelationshipRepo struct {
	mu       sync.Mutex
	states   map[string]domain.RelationshipState
	moments  []domain.EmotionalMoment
	keys     map[string]bool
	sessions map[string]domain.ConversationSession
	charJSON map[string]string

	momentErr error
}

func newMockRelationshipRepo() *mockRelationshipRepo {
	return &mockRelationshipRepo{
		states:   make(map[string]domain.RelationshipState),
		keys:     make(map[string]bool),
		sessions: make(map[string]domain.ConversationSession),
		charJSON: make(map[string]string),
	}
}

func (m *mockRelationshipRepo) Get(_ context.Context, pair domain.Pair) (domain.RelationshipState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pair.Key()]
	if !ok {
		return domain.RelationshipState{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *mockRelationshipRepo) Upsert(_ context.Context, state domain.RelationshipState) error {
	m.mu.Lock()
	m.states[state.Pair.Key()] = state
	m.mu.Unlock()
	return nil
}

func (m *mockRelationshipRepo) ListByCharacter(_ context.Context, characterID string, limit int) ([]domain.RelationshipState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RelationshipState
	for _, s := range m.states {
		if s.Pair.CharacterID == characterID {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRelationshipRepo) InsertMoment(_ context.Context, moment domain.EmotionalMoment) error {
	if m.momentErr != nil {
		return m.momentErr
	}
	m.mu.Lock()
	m.moments = append(m.moments, moment)
	m.mu.Unlock()
	return nil
}

func (m *mockRelationshipRepo) CountMomentsSince(_ context.Context, pair domain.Pair, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mo := range m.moments {
		if mo.Pair == pair && !mo.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockRelationshipRepo) ClaimExchangeKey(_ context.Context, _ domain.Pair, key string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockRelationshipRepo) UpsertSession(_ context.Context, session domain.ConversationSession) error {
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	return nil
}

func (m *mockRelationshipRepo) GetSession(_ context.Context, _ domain.Pair, conversationID string) (domain.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return domain.ConversationSession{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *mockRelationshipRepo) SaveCharacterState(_ context.Context, pair domain.Pair, stateJSON string, _ time.Time) error {
	m.mu.Lock()
	m.charJSON[pair.Key()] = stateJSON
	m.mu.Unlock()
	return nil
}

func (m *mockRelationshipRepo) LoadCharacterState(_ context.Context, pair domain.Pair) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.charJSON[pair.Key()]
	if !ok {
		return "", repository.ErrNotFound
	}
	return raw, nil
}

type mockRewardRepo struct {
	mu      sync.Mutex
	rewards []domain.Reward
}

func (m *mockRewardRepo) AllocateNext(_ context.Context, pair domain.Pair, cap int, at time.Time) (domain.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rewards {
		if r.UserID == pair.UserID && r.CharacterID == pair.CharacterID {
			return domain.Reward{}, repository.ErrRewardExists
		}
	}
	next := 1
	for _, r := range m.rewards {
		if r.Rank >= next {
			next = r.Rank + 1
		}
	}
	if cap <= 0 {
		cap = 100
	}
	if next > cap {
		return domain.Reward{}, repository.ErrRewardCapReached
	}
	reward := domain.Reward{Rank: next, UserID: pair.UserID, CharacterID: pair.CharacterID, AwardedAt: at}
	m.rewards = append(m.rewards, reward)
	return reward, nil
}

func (m *mockRewardRepo) GetByPair(_ context.Context, pair domain.Pair) (domain.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rewards {
		if r.UserID == pair.UserID && r.CharacterID == pair.CharacterID {
			return r, nil
		}
	}
	return domain.Reward{}, repository.ErrNotFound
}

func (m *mockRewardRepo) List(context.Context) ([]domain.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Reward, len(m.rewards))
	copy(out, m.rewards)
	return out, nil
}

func (m *mockRewardRepo) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rewards), nil
}

func (m *mockRewardRepo) SetWallet(_ context.Context, pair domain.Pair, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rewards {
		if r.UserID == pair.UserID && r.CharacterID == pair.CharacterID {
			m.rewards[i].WalletAddress = wallet
			return nil
		}
	}
	return repository.ErrNotFound
}
