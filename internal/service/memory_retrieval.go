package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"companion-llm/internal/domain"
)

// contextCache es el LRU con TTL de bundles armados, clave (pair, conversacion).
// Se invalida ante cualquier escritura del par.
type contextCache struct {
	lru *lru.LRU[string, domain.ContextBundle]
}

func newContextCache(size int, ttl time.Duration) *contextCache {
	return &contextCache{lru: lru.NewLRU[string, domain.ContextBundle](size, nil, ttl)}
}

func (c *contextCache) key(pair domain.Pair, conversationID string) string {
	return pair.Key() + "|" + conversationID
}

func (c *contextCache) get(pair domain.Pair, conversationID string) (domain.ContextBundle, bool) {
	return c.lru.Get(c.key(pair, conversationID))
}

func (c *contextCache) put(pair domain.Pair, conversationID string, b domain.ContextBundle) {
	c.lru.Add(c.key(pair, conversationID), b)
}

func (c *contextCache) invalidatePair(pair domain.Pair) {
	prefix := pair.Key() + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// moodReader es el contrato minimo contra el cache de animo (C5).
type moodReader interface {
	Snapshot(pair domain.Pair) domain.CharacterState
}

// SetMoodReader conecta el cache de animo para llenar emotional_context.
func (s *MemoryService) SetMoodReader(r moodReader) { s.moodRd = r }

// ContextQuery parametriza la reconstruccion de contexto.
type ContextQuery struct {
	ConversationID   string
	SemanticQuery    string
	MaxMemories      int     // default 10
	MinImportance    float64 // default 0.6
	IncludeEmotional bool
}

// GetContext reconstruye el bundle rankeado para un turno. Nunca devuelve
// error: ante fallas de storage degrada al buffer en memoria con Degraded=true.
func (s *MemoryService) GetContext(ctx context.Context, pair domain.Pair, q ContextQuery) domain.ContextBundle {
	if q.MaxMemories <= 0 {
		q.MaxMemories = 10
	}
	if q.MinImportance <= 0 {
		q.MinImportance = 0.6
	}

	if q.SemanticQuery == "" {
		if cached, ok := s.cache.get(pair, q.ConversationID); ok {
			return cached
		}
	}

	var bundle domain.ContextBundle

	recent, err := s.memoryRepo.QueryRecent(ctx, pair, domain.MemoryBuffer, q.MaxMemories)
	if err != nil {
		s.log.Error("context retrieval degraded", zap.String("pair", pair.Key()), zap.Error(err))
		return s.degradedBundle(pair)
	}
	bundle.Recent = recent

	important, err := s.memoryRepo.QueryByImportance(ctx, pair, q.MinImportance, q.MaxMemories*3)
	if err == nil {
		bundle.Important = s.rankImportant(important, q)
	}

	if s.entitySvc != nil {
		if entities, eerr := s.entitySvc.entityRepo.ListTop(ctx, pair, 20); eerr == nil {
			bundle.Entities = rankEntities(entities)
		}
	}

	if summaries, serr := s.memoryRepo.QueryRecent(ctx, pair, domain.MemorySummary, 4); serr == nil && len(summaries) > 0 {
		bundle.SummaryContext = buildSummaryContext(summaries)
	}

	if q.IncludeEmotional && s.moodRd != nil {
		snap := s.moodRd.Snapshot(pair)
		bundle.EmotionalContext.Current = snap.CurrentMood
		for _, ev := range snap.EmotionalTrajectory {
			bundle.EmotionalContext.History = append(bundle.EmotionalContext.History, ev.Emotion)
		}
		if n := len(bundle.EmotionalContext.History); n > 5 {
			bundle.EmotionalContext.History = bundle.EmotionalContext.History[n-5:]
		}
	}

	bundle.Topic, bundle.Insights.TopicDistribution = topicProfile(recent, bundle.Important)
	bundle.Stats = s.computeStats(ctx, pair)
	bundle.Insights.CommunicationStyle = communicationStyle(recent)
	bundle.Insights.TopInterests = topInterests(bundle.Entities)
	bundle.Insights.ActiveHours = activeHours(recent)

	// Marcar acceso a las memorias tocadas (best effort).
	now := time.Now().UTC()
	for _, m := range bundle.Important {
		_ = s.memoryRepo.TouchAccess(ctx, pair, m.ID, now)
	}

	if q.SemanticQuery == "" {
		s.cache.put(pair, q.ConversationID, bundle)
	}
	return bundle
}

func (s *MemoryService) degradedBundle(pair domain.Pair) domain.ContextBundle {
	s.mu.Lock()
	buf := make([]domain.MemoryEntry, len(s.fallbackBuf[pair.Key()]))
	copy(buf, s.fallbackBuf[pair.Key()])
	s.mu.Unlock()
	// Mas reciente primero, como el camino normal.
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return domain.ContextBundle{Recent: buf, Degraded: true}
}

// rankImportant ordena resumenes/archivos por afinidad con la consulta
// semantica (solapamiento de tokens + match de entidades) e importancia.
// Determinista: empates por id.
func (s *MemoryService) rankImportant(candidates []domain.MemoryEntry, q ContextQuery) []domain.MemoryEntry {
	filtered := make([]domain.MemoryEntry, 0, len(candidates))
	for _, m := range candidates {
		if m.MemoryType == domain.MemoryBuffer {
			continue // ya cubierto por Recent
		}
		filtered = append(filtered, m)
	}

	if q.SemanticQuery != "" {
		queryTokens := tokenSet(q.SemanticQuery)
		sort.SliceStable(filtered, func(i, j int) bool {
			si := lexicalAffinity(filtered[i], queryTokens) + filtered[i].Importance
			sj := lexicalAffinity(filtered[j], queryTokens) + filtered[j].Importance
			if si != sj {
				return si > sj
			}
			return filtered[i].ID < filtered[j].ID
		})
	}
	if len(filtered) > q.MaxMemories {
		filtered = filtered[:q.MaxMemories]
	}
	return filtered
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(strings.Map(stripPunct, text))) {
		if len(tok) > 2 && !entityStopwords[tok] {
			out[tok] = true
		}
	}
	return out
}

func lexicalAffinity(m domain.MemoryEntry, queryTokens map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	content, _ := m.EffectiveContent()
	shared := 0
	for tok := range tokenSet(content) {
		if queryTokens[tok] {
			shared++
		}
	}
	return float64(shared) * 0.25
}

func rankEntities(entities []domain.Entity) []domain.Entity {
	// Decaimiento por last_seen viejo: media mencion menos por cada 30 dias.
	now := time.Now().UTC()
	sort.SliceStable(entities, func(i, j int) bool {
		si := entityRank(entities[i], now)
		sj := entityRank(entities[j], now)
		if si != sj {
			return si > sj
		}
		return entities[i].Name < entities[j].Name
	})
	return entities
}

func entityRank(e domain.Entity, now time.Time) float64 {
	staleMonths := now.Sub(e.LastSeen).Hours() / (24 * 30)
	rank := float64(e.MentionCount) - 0.5*staleMonths
	return rank
}

func buildSummaryContext(summaries []domain.MemoryEntry) string {
	var sb strings.Builder
	sb.WriteString(summaries[0].Content)
	for _, older := range summaries[1:] {
		preview := older.Content
		if len(preview) > 80 {
			preview = preview[:80] + "..."
		}
		sb.WriteString("\nEarlier: " + preview)
	}
	return sb.String()
}

func topicProfile(recent, important []domain.MemoryEntry) (string, map[string]int) {
	dist := make(map[string]int)
	for _, m := range recent {
		dist[m.Topic]++
	}
	for _, m := range important {
		dist[m.Topic]++
	}
	best := "general"
	bestN := 0
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if dist[name] > bestN {
			best = name
			bestN = dist[name]
		}
	}
	return best, dist
}

func (s *MemoryService) computeStats(ctx context.Context, pair domain.Pair) domain.MemoryStats {
	var stats domain.MemoryStats
	for _, t := range []struct {
		memType domain.MemoryType
		target  *int
	}{
		{domain.MemoryBuffer, &stats.BufferCount},
		{domain.MemorySummary, &stats.SummaryCount},
		{domain.MemoryArchived, &stats.ArchivedCount},
		{domain.MemoryCompressed, &stats.CompressedCount},
	} {
		if n, err := s.memoryRepo.CountByType(ctx, pair, t.memType); err == nil {
			*t.target = n
		}
	}
	stats.TotalMemories = stats.BufferCount + stats.SummaryCount + stats.ArchivedCount + stats.CompressedCount
	if s.entitySvc != nil {
		if n, err := s.entitySvc.entityRepo.Count(ctx, pair); err == nil {
			stats.EntityCount = n
		}
	}
	return stats
}

// communicationStyle clasifica el estilo observado del usuario a partir del
// buffer reciente.
func communicationStyle(recent []domain.MemoryEntry) string {
	if len(recent) == 0 {
		return "conversational"
	}
	questions, emotional, analytical := 0, 0, 0
	for _, m := range recent {
		if strings.Contains(m.Content, "?") {
			questions++
		}
		if m.EmotionalValence != 0 {
			emotional++
		}
		lower := strings.ToLower(m.Content)
		if strings.Contains(lower, "because") || strings.Contains(lower, "therefore") || strings.Contains(lower, "analyze") {
			analytical++
		}
	}
	n := len(recent)
	switch {
	case questions*2 > n:
		return "inquisitive"
	case emotional*2 > n:
		return "emotional"
	case analytical*3 > n:
		return "analytical"
	default:
		return "conversational"
	}
}

func topInterests(entities []domain.Entity) []string {
	out := make([]string, 0, 5)
	for _, e := range entities {
		if len(out) == 5 {
			break
		}
		out = append(out, e.Name)
	}
	return out
}

func activeHours(recent []domain.MemoryEntry) map[int]int {
	if len(recent) == 0 {
		return nil
	}
	hours := make(map[int]int)
	for _, m := range recent {
		hours[m.CreatedAt.UTC().Hour()]++
	}
	return hours
}

// ComprehensiveSummary arma el texto de resumen integral de lo que el personaje
// sabe del usuario: detalles personales, entidades top, temas y etapa del
// vinculo.
func (s *MemoryService) ComprehensiveSummary(ctx context.Context, pair domain.Pair, rel *domain.RelationshipState) string {
	var sb strings.Builder

	details := s.PersonalDetails(ctx, pair)
	if !details.Empty() {
		sb.WriteString("About you, I remember:\n")
		sb.WriteString(FormatPersonalDetails(details))
		sb.WriteString("\n")
	}

	bundle := s.GetContext(ctx, pair, ContextQuery{ConversationID: "summary", MaxMemories: 10, IncludeEmotional: true})
	if len(bundle.Entities) > 0 {
		sb.WriteString("People and things you've mentioned: ")
		names := make([]string, 0, len(bundle.Entities))
		for i, e := range bundle.Entities {
			if i == 10 {
				break
			}
			label := e.Name
			if rel, ok := e.Attributes["relationship"]; ok {
				label += " (" + rel + ")"
			} else if sp, ok := e.Attributes["species"]; ok {
				label += " (" + sp + ")"
			}
			names = append(names, label)
		}
		sb.WriteString(strings.Join(names, ", ") + ".\n")
	}
	if len(bundle.Insights.TopicDistribution) > 0 {
		sb.WriteString(fmt.Sprintf("We mostly talk about %s.\n", bundle.Topic))
	}
	if bundle.SummaryContext != "" {
		sb.WriteString("From earlier conversations: " + bundle.SummaryContext + "\n")
	}
	if rel != nil {
		sb.WriteString(fmt.Sprintf("Our bond: %s (level %d), %d conversations, %d shared memories.\n",
			domain.StageName(rel.Level), rel.Level, rel.Conversations, rel.MemoriesShared))
	}
	if sb.Len() == 0 {
		return "We haven't talked much yet, but I'm looking forward to getting to know you."
	}
	return strings.TrimSpace(sb.String())
}
