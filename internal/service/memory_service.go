package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
)

// Conjuntos de palabras clave por tema para el etiquetado de memorias.
var topicKeywords = map[string][]string{
	"work":     {"work", "job", "office", "boss", "meeting", "deadline", "career", "salary", "coworker", "colleague"},
	"family":   {"family", "sister", "brother", "mother", "father", "mom", "dad", "parents", "cousin", "aunt", "uncle", "wife", "husband", "daughter", "son"},
	"pets":     {"dog", "cat", "pet", "puppy", "kitten", "bird", "hamster", "vet", "rabbit"},
	"health":   {"health", "doctor", "sick", "tired", "sleep", "exercise", "gym", "diet", "hospital", "therapy"},
	"projects": {"project", "building", "working on", "coding", "writing", "designing", "creating", "hobby"},
}

// detectTopic elige el tema con mas hits; "general" si no hay ninguno.
// Empates por orden alfabetico para mantener determinismo.
func detectTopic(text string) string {
	lower := strings.ToLower(text)
	best := "general"
	bestN := 0
	names := make([]string, 0, len(topicKeywords))
	for name := range topicKeywords {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := 0
		for _, kw := range topicKeywords[name] {
			n += strings.Count(lower, kw)
		}
		if n > bestN {
			best = name
			bestN = n
		}
	}
	return best
}

var personalKeywordSet = map[string]bool{
	"my": true, "i": true, "family": true, "work": true, "feel": true, "think": true,
}

// MemoryConfig son las perillas del motor de memoria.
type MemoryConfig struct {
	BufferWindow     int           // default 50
	SummaryThreshold int           // default 100
	ArchiveAge       time.Duration // default 90 dias
	CompressAge      time.Duration // default 60 dias
	RetentionAge     time.Duration // default 365 dias
	MaintenanceEvery int           // cada N ingestas, default 100
	CacheSize        int
	CacheTTL         time.Duration
	DetailsRescan    int // re-escanear detalles personales cada N ingestas
}

func (c *MemoryConfig) fillDefaults() {
	if c.BufferWindow <= 0 {
		c.BufferWindow = 50
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = 100
	}
	if c.ArchiveAge <= 0 {
		c.ArchiveAge = 90 * 24 * time.Hour
	}
	if c.CompressAge <= 0 {
		c.CompressAge = 60 * 24 * time.Hour
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 365 * 24 * time.Hour
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = 100
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 50
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.DetailsRescan <= 0 {
		c.DetailsRescan = 10
	}
}

// MemoryService es el motor de memoria con capas: ingesta al buffer caliente,
// promocion a resumenes, archivado/compresion y reconstruccion de contexto.
type MemoryService struct {
	memoryRepo repository.MemoryRepository
	entitySvc  *EntityService
	log        *zap.Logger
	cfg        MemoryConfig

	mu           sync.Mutex
	ingestCounts map[string]int // pair -> ingestas desde el ultimo mantenimiento
	activePairs  map[string]domain.Pair
	// Fallback en memoria por par cuando el storage falla: nunca se pierde el
	// turno actual aunque el disco este roto.
	fallbackBuf map[string][]domain.MemoryEntry

	cache   *contextCache
	details *PersonalDetailExtractor
	moodRd  moodReader

	detailsMu    sync.Mutex
	detailsCache map[string]domain.PersonalDetails
	detailsSeen  map[string]int // ingestas vistas en el ultimo escaneo
}

func NewMemoryService(memoryRepo repository.MemoryRepository, entitySvc *EntityService, cfg MemoryConfig, log *zap.Logger) *MemoryService {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.fillDefaults()
	return &MemoryService{
		memoryRepo:   memoryRepo,
		entitySvc:    entitySvc,
		log:          log,
		cfg:          cfg,
		ingestCounts: make(map[string]int),
		activePairs:  make(map[string]domain.Pair),
		fallbackBuf:  make(map[string][]domain.MemoryEntry),
		cache:        newContextCache(cfg.CacheSize, cfg.CacheTTL),
		details:      NewPersonalDetailExtractor(),
		detailsCache: make(map[string]domain.PersonalDetails),
		detailsSeen:  make(map[string]int),
	}
}

// ScoreImportance calcula la importancia en [0,1]: base 0.5 mas senales.
func ScoreImportance(content string, entityCount int, emotional bool) float64 {
	score := 0.5
	if entityCount > 0 {
		score += 0.2
	}
	if emotional {
		score += 0.15
	}
	if strings.Contains(content, "?") {
		score += 0.1
	}
	for _, tok := range strings.Fields(strings.ToLower(strings.Map(stripPunct, content))) {
		if personalKeywordSet[tok] || strings.HasPrefix(tok, "i'") {
			score += 0.1
			break
		}
	}
	if len(strings.Fields(content)) > 10 {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

// IngestResult es lo que devuelve la ingesta de un mensaje.
type IngestResult struct {
	Entry    domain.MemoryEntry
	Entities []domain.Entity
	Degraded bool
}

// Ingest ejecuta el pipeline por mensaje: id estable, extraccion de entidades,
// importancia, tema, insercion al buffer y ventana acotada.
func (s *MemoryService) Ingest(ctx context.Context, pair domain.Pair, conversationID, content string, memType domain.MemoryType) (IngestResult, error) {
	if memType == "" {
		memType = domain.MemoryBuffer
	}
	now := time.Now().UTC()

	var entities []domain.Entity
	if s.entitySvc != nil && memType != domain.MemoryResponse {
		var err error
		entities, err = s.entitySvc.Extract(ctx, pair, conversationID, content)
		if err != nil {
			s.log.Warn("entity extraction failed during ingest", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}

	hits := detectEmotions(content)
	entityIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		entityIDs = append(entityIDs, e.ID)
	}

	entry := domain.MemoryEntry{
		ID:               domain.MemoryID(pair, conversationID, content),
		Pair:             pair,
		Content:          content,
		MemoryType:       memType,
		Importance:       ScoreImportance(content, len(entities), len(hits) > 0),
		EmotionalValence: emotionalValence(hits),
		RelatedEntityIDs: entityIDs,
		ConversationID:   conversationID,
		Topic:            detectTopic(content),
		CreatedAt:        now,
		LastAccessed:     now,
		ArchiveStatus:    domain.ArchiveActive,
	}

	if err := s.memoryRepo.Insert(ctx, entry); err != nil {
		// Storage caido: retener en el buffer en memoria y seguir degradado.
		s.log.Error("memory insert failed, falling back to in-memory buffer",
			zap.String("pair", pair.Key()), zap.Error(err))
		s.mu.Lock()
		s.fallbackBuf[pair.Key()] = append(s.fallbackBuf[pair.Key()], entry)
		if len(s.fallbackBuf[pair.Key()]) > s.cfg.BufferWindow {
			s.fallbackBuf[pair.Key()] = s.fallbackBuf[pair.Key()][1:]
		}
		s.mu.Unlock()
		return IngestResult{Entry: entry, Entities: entities, Degraded: true}, nil
	}

	if s.entitySvc != nil {
		s.entitySvc.RecordMention(ctx, pair, entityIDs, entry.ID, conversationID)
	}
	s.cache.invalidatePair(pair)

	if memType == domain.MemoryBuffer || memType == domain.MemoryUserMessage {
		if err := s.enforceBufferWindow(ctx, pair); err != nil {
			s.log.Warn("buffer window enforcement failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.ingestCounts[pair.Key()]++
	count := s.ingestCounts[pair.Key()]
	s.activePairs[pair.Key()] = pair
	s.mu.Unlock()
	if count%s.cfg.MaintenanceEvery == 0 {
		// Pasada oportunista; los errores no afectan la ingesta.
		if err := s.RunMaintenance(ctx, pair); err != nil {
			s.log.Warn("opportunistic maintenance failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}
	return IngestResult{Entry: entry, Entities: entities}, nil
}

// enforceBufferWindow garantiza count(buffer) <= ventana. El desborde de baja
// importancia se promueve a un resumen y las filas cubiertas se archivan.
func (s *MemoryService) enforceBufferWindow(ctx context.Context, pair domain.Pair) error {
	count, err := s.memoryRepo.CountByType(ctx, pair, domain.MemoryBuffer)
	if err != nil {
		return err
	}
	if count >= s.cfg.SummaryThreshold {
		return s.summarizeBuffer(ctx, pair, count-10)
	}
	if count <= s.cfg.BufferWindow {
		return nil
	}
	overflow := count - s.cfg.BufferWindow
	return s.summarizeBuffer(ctx, pair, overflow)
}

// summarizeBuffer toma las n memorias buffer menos valiosas, genera un resumen
// textual (entidades top, distribucion de temas, interacciones emocionales) y
// las degrada en una transaccion. Los resumenes son append-only.
func (s *MemoryService) summarizeBuffer(ctx context.Context, pair domain.Pair, n int) error {
	if n <= 0 {
		return nil
	}
	batch, err := s.memoryRepo.OldestBuffer(ctx, pair, n)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	summaryText := buildSummaryText(batch)
	now := time.Now().UTC()
	var entityIDs []string
	seen := make(map[string]bool)
	dropIDs := make([]string, 0, len(batch))
	for _, m := range batch {
		dropIDs = append(dropIDs, m.ID)
		for _, id := range m.RelatedEntityIDs {
			if !seen[id] {
				seen[id] = true
				entityIDs = append(entityIDs, id)
			}
		}
	}

	summary := domain.MemoryEntry{
		ID:               domain.MemoryID(pair, "summary", summaryText+now.Format(time.RFC3339)),
		Pair:             pair,
		Content:          summaryText,
		MemoryType:       domain.MemorySummary,
		Importance:       0.8,
		RelatedEntityIDs: entityIDs,
		Topic:            dominantTopicOf(batch),
		CreatedAt:        now,
		LastAccessed:     now,
		ArchiveStatus:    domain.ArchiveActive,
	}
	if err := s.memoryRepo.PromoteToSummary(ctx, pair, summary, dropIDs); err != nil {
		return err
	}
	s.cache.invalidatePair(pair)
	s.log.Info("buffer promoted to summary",
		zap.String("pair", pair.Key()),
		zap.Int("promoted", len(batch)))
	return nil
}

func buildSummaryText(batch []domain.MemoryEntry) string {
	topics := make(map[string]int)
	emotional := 0
	entityMentions := make(map[string]int)
	for _, m := range batch {
		topics[m.Topic]++
		if m.EmotionalValence != 0 {
			emotional++
		}
		for _, id := range m.RelatedEntityIDs {
			entityMentions[id]++
		}
	}

	type kv struct {
		k string
		n int
	}
	topicList := make([]kv, 0, len(topics))
	for k, n := range topics {
		topicList = append(topicList, kv{k, n})
	}
	sort.Slice(topicList, func(i, j int) bool {
		if topicList[i].n != topicList[j].n {
			return topicList[i].n > topicList[j].n
		}
		return topicList[i].k < topicList[j].k
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Summary of %d earlier exchanges. ", len(batch)))
	if len(topicList) > 0 {
		parts := make([]string, 0, len(topicList))
		for _, t := range topicList {
			parts = append(parts, fmt.Sprintf("%s (%d)", t.k, t.n))
		}
		sb.WriteString("Topics discussed: " + strings.Join(parts, ", ") + ". ")
	}
	if len(entityMentions) > 0 {
		sb.WriteString(fmt.Sprintf("Involved %d known people/places/things. ", len(entityMentions)))
	}
	if emotional > 0 {
		sb.WriteString(fmt.Sprintf("%d emotionally charged interactions.", emotional))
	}
	return strings.TrimSpace(sb.String())
}

func dominantTopicOf(batch []domain.MemoryEntry) string {
	counts := make(map[string]int)
	for _, m := range batch {
		counts[m.Topic]++
	}
	best := "general"
	bestN := 0
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if counts[name] > bestN {
			best = name
			bestN = counts[name]
		}
	}
	return best
}

// Get/Update/Delete expuestos para el CRUD HTTP.

func (s *MemoryService) Get(ctx context.Context, pair domain.Pair, id string) (domain.MemoryEntry, error) {
	return s.memoryRepo.GetByID(ctx, pair, id)
}

func (s *MemoryService) List(ctx context.Context, pair domain.Pair) ([]domain.MemoryEntry, error) {
	return s.memoryRepo.ListAll(ctx, pair)
}

func (s *MemoryService) UpdateContent(ctx context.Context, pair domain.Pair, id, content string) (domain.MemoryEntry, error) {
	m, err := s.memoryRepo.GetByID(ctx, pair, id)
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	m.Content = content
	m.Importance = ScoreImportance(content, len(m.RelatedEntityIDs), false)
	m.Topic = detectTopic(content)
	m.LastAccessed = time.Now().UTC()
	if err := s.memoryRepo.Update(ctx, m); err != nil {
		return domain.MemoryEntry{}, err
	}
	s.cache.invalidatePair(pair)
	return m, nil
}

func (s *MemoryService) Delete(ctx context.Context, pair domain.Pair, id string) error {
	if err := s.memoryRepo.Delete(ctx, pair, id); err != nil {
		return err
	}
	s.cache.invalidatePair(pair)
	return nil
}

func (s *MemoryService) SearchText(ctx context.Context, pair domain.Pair, query string, limit int) ([]domain.MemoryEntry, error) {
	return s.memoryRepo.SearchText(ctx, pair, query, limit)
}

// ActivePairs lista los pares que ingirieron al menos un mensaje en este
// proceso. El job de mantenimiento periodico itera sobre esta lista.
func (s *MemoryService) ActivePairs() []domain.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]domain.Pair, 0, len(s.activePairs))
	for _, p := range s.activePairs {
		pairs = append(pairs, p)
	}
	return pairs
}
