package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
)

// ErrRateLimited marca un intercambio demasiado pegado al anterior; no hay
// mutacion de estado.
var ErrRateLimited = errors.New("exchange too frequent")

// RelationshipConfig son las perillas del motor de vinculo.
type RelationshipConfig struct {
	MinExchangeInterval time.Duration // default 60s
	DailyMomentCap      int           // default 10
	RewardCap           int           // default 100
	SessionGap          time.Duration // inactividad que cierra una sesion
}

func (c *RelationshipConfig) fillDefaults() {
	if c.MinExchangeInterval <= 0 {
		c.MinExchangeInterval = 60 * time.Second
	}
	if c.DailyMomentCap <= 0 {
		c.DailyMomentCap = 10
	}
	if c.RewardCap <= 0 {
		c.RewardCap = 100
	}
	if c.SessionGap <= 0 {
		c.SessionGap = 30 * time.Minute
	}
}

// RelationshipService avanza el vinculo del par a partir de seniales
// conversacionales observables, con reglas anti-gaming.
type RelationshipService struct {
	relRepo    repository.RelationshipRepository
	rewardRepo repository.RewardRepository
	log        *zap.Logger
	cfg        RelationshipConfig
	now        func() time.Time
}

func NewRelationshipService(relRepo repository.RelationshipRepository, rewardRepo repository.RewardRepository, cfg RelationshipConfig, log *zap.Logger) *RelationshipService {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.fillDefaults()
	return &RelationshipService{
		relRepo:    relRepo,
		rewardRepo: rewardRepo,
		log:        log,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Clusters de palabras clave que disparan boosters de conexion.
var (
	personalInfoWords = []string{
		"my name", "i live", "my family", "my job", "my sister", "my brother",
		"my mother", "my father", "i feel", "i was born", "my childhood", "secret",
	}
	aiConsciousnessWords = []string{
		"are you conscious", "do you feel", "are you real", "do you dream",
		"what is it like being", "are you alive", "do you think about", "sentient",
	}
	projectCollabWords = []string{
		"let's build", "we could", "together", "our project", "collaborate",
		"help me build", "work on this", "brainstorm",
	}
)

// Marcadores usados por el score de profundidad.
var (
	reflectiveVerbs   = []string{"think", "believe", "realize", "wonder", "reflect", "remember", "understand", "consider"}
	hypotheticalWords = []string{"if", "would", "could", "imagine", "suppose", "perhaps", "maybe", "what if"}
	affectiveWords    = []string{"feel", "felt", "heart", "emotion", "care", "miss", "hurt", "warm"}
)

// emotionalScore cuenta hits de las diez familias: usuario pesa 1.0, respuesta 0.5.
func emotionalScore(userMsg, response string) float64 {
	var score float64
	for _, n := range detectEmotions(userMsg) {
		score += float64(n)
	}
	for _, n := range detectEmotions(response) {
		score += float64(n) * 0.5
	}
	return score
}

// depthScore evalua heuristicas de profundidad del mensaje del usuario y
// normaliza a [0,1].
func depthScore(userMsg string) float64 {
	lower := strings.ToLower(userMsg)
	checks := 0
	if len(strings.Fields(userMsg)) > 10 {
		checks++
	}
	if strings.Contains(userMsg, "?") {
		checks++
	}
	if containsAny(lower, reflectiveVerbs) {
		checks++
	}
	if containsAny(lower, hypotheticalWords) {
		checks++
	}
	if strings.Contains(userMsg, `"`) || strings.Contains(userMsg, "'") {
		checks++
	}
	if containsAny(lower, affectiveWords) {
		checks++
	}
	return float64(checks) / 6.0
}

// authenticityScore corre los cuatro chequeos anti-spam y promedia.
func authenticityScore(userMsg string) float64 {
	tokens := strings.Fields(strings.ToLower(strings.Map(stripPunct, userMsg)))
	if len(tokens) == 0 {
		return 0
	}

	// 1. No repetitivo: la palabra mas frecuente no domina el mensaje.
	freq := make(map[string]int)
	for _, t := range tokens {
		freq[t]++
	}
	topN := 0
	for _, n := range freq {
		if n > topN {
			topN = n
		}
	}
	nonRepetitive := float64(topN)/float64(len(tokens)) <= 0.4 || len(tokens) < 3

	// 2. Sin spam de caracteres corridos ni palabras duplicadas consecutivas.
	noSpam := !hasCharRun(userMsg, 5)
	for i := 1; i < len(tokens) && noSpam; i++ {
		if tokens[i] == tokens[i-1] {
			noSpam = false
		}
	}

	// 3. Marcadores de lenguaje natural: articulos, pronombres, conectores.
	naturalMarkers := []string{"the", "a", "an", "i", "you", "is", "are", "and", "but", "to", "my", "it"}
	natural := false
	for _, t := range tokens {
		if containsToken(naturalMarkers, t) {
			natural = true
			break
		}
	}

	// 4. Diversidad de vocabulario.
	diverse := float64(len(freq))/float64(len(tokens)) > 0.7

	score := 0.0
	for _, ok := range []bool{nonRepetitive, noSpam, natural, diverse} {
		if ok {
			score += 0.25
		}
	}
	return score
}

func hasCharRun(s string, limit int) bool {
	run := 1
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			run++
			if run >= limit {
				return true
			}
		} else {
			run = 1
		}
		prev = r
	}
	return false
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func containsToken(list []string, tok string) bool {
	for _, w := range list {
		if w == tok {
			return true
		}
	}
	return false
}

func countHits(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// RateLimited informa si un intercambio del par quedaria ahora mismo por
// debajo del intervalo minimo. Solo lectura, pensado para el preflight del
// orquestador; ProcessExchange mantiene su propio chequeo.
func (s *RelationshipService) RateLimited(ctx context.Context, pair domain.Pair) bool {
	state, err := s.relRepo.Get(ctx, pair)
	if err != nil {
		return false
	}
	return !state.LastInteraction.IsZero() && s.now().Sub(state.LastInteraction) < s.cfg.MinExchangeInterval
}

// ProcessExchange aplica el pipeline completo del intercambio: rate-limit,
// scores, boosters, autenticidad, momento emocional con cupo diario,
// contadores, recomputo de nivel y emision de recompensa.
func (s *RelationshipService) ProcessExchange(ctx context.Context, pair domain.Pair, conversationID, userMsg, response string) (domain.ExchangeResult, error) {
	now := s.now()

	state, err := s.relRepo.Get(ctx, pair)
	if errors.Is(err, repository.ErrNotFound) {
		state = domain.RelationshipState{Pair: pair, CreatedAt: now}
	} else if err != nil {
		return domain.ExchangeResult{}, fmt.Errorf("load relationship: %w", err)
	}

	// Demasiado frecuente: sin mutacion.
	if !state.LastInteraction.IsZero() && now.Sub(state.LastInteraction) < s.cfg.MinExchangeInterval {
		return domain.ExchangeResult{
			NewLevel:    state.Level,
			Stage:       domain.StageName(state.Level),
			RateLimited: true,
		}, ErrRateLimited
	}

	// Idempotencia: los contadores se aplican exactamente una vez por clave.
	key := domain.ExchangeKey(userMsg, response, now)
	claimed, err := s.relRepo.ClaimExchangeKey(ctx, pair, key, now)
	if err != nil {
		return domain.ExchangeResult{}, fmt.Errorf("claim exchange key: %w", err)
	}
	if !claimed {
		return domain.ExchangeResult{
			NewLevel: state.Level,
			Stage:    domain.StageName(state.Level),
		}, nil
	}

	emotional := emotionalScore(userMsg, response)
	depth := depthScore(userMsg)
	authenticity := authenticityScore(userMsg)

	bonuses := domain.ExchangeBonuses{
		EmotionalScore: emotional,
		DepthScore:     depth,
		Authenticity:   authenticity,
	}

	// Contadores base del intercambio. El tiempo conversado sale de la sesion:
	// hueco real desde la ultima actividad, o el credito minimo de reanudacion.
	prevLevel := state.Level
	state.Conversations++
	state.TimeMinutes += s.touchSession(ctx, pair, conversationID, now)
	if depth >= 0.5 {
		state.MemoriesShared++
	}
	state.AuthenticityScore = clamp01(state.AuthenticityScore*0.8 + authenticity*0.2)

	// Boosters de conexion.
	lower := strings.ToLower(userMsg)
	if containsAny(lower, personalInfoWords) {
		emotional += 0.8
		state.MemoriesShared += 3
		state.GrowthEvents += 2
		state.TrustLevel = clamp01(state.TrustLevel + 0.1)
		bonuses.Boosters = append(bonuses.Boosters, "personal_info")
	}
	if containsAny(lower, aiConsciousnessWords) {
		emotional += 1.2
		state.MemoriesShared += 4
		state.GrowthEvents += 4
		state.TrustLevel = clamp01(state.TrustLevel + 0.2)
		// El boost "directo" al nivel se materializa via contadores: el nivel
		// entero solo avanza cuando se cumplen todos los umbrales.
		state.GrowthEvents++
		bonuses.Boosters = append(bonuses.Boosters, "ai_consciousness")
	}
	if countHits(lower, projectCollabWords) >= 2 {
		emotional += 1.0
		state.MemoriesShared += 3
		state.GrowthEvents += 3
		state.TrustLevel = clamp01(state.TrustLevel + 0.15)
		state.ConsistencyScore = clamp01(state.ConsistencyScore + 0.1)
		bonuses.Boosters = append(bonuses.Boosters, "project_collaboration")
	}
	bonuses.EmotionalScore = emotional

	// Momento emocional autentico, sujeto al cupo diario.
	if emotional > 0.3 && authenticity > 0.3 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		momentsToday, err := s.relRepo.CountMomentsSince(ctx, pair, dayStart)
		if err != nil {
			s.log.Warn("counting daily moments failed", zap.String("pair", pair.Key()), zap.Error(err))
		} else if momentsToday >= s.cfg.DailyMomentCap {
			bonuses.MomentCapped = true
		} else {
			emotion, intensity := dominantEmotion(detectEmotions(userMsg))
			if emotion == "" {
				emotion, intensity = dominantEmotion(detectEmotions(response))
			}
			moment := domain.EmotionalMoment{
				ID:        uuid.NewString(),
				Pair:      pair,
				Emotion:   emotion,
				Intensity: intensity,
				Excerpt:   userMsg,
				CreatedAt: now,
			}
			if err := s.relRepo.InsertMoment(ctx, moment); err != nil {
				s.log.Warn("emotional moment insert failed", zap.String("pair", pair.Key()), zap.Error(err))
			} else {
				state.EmotionalMoments++
				bonuses.MomentRecorded = true
			}
		}
	}

	state.LastInteraction = now

	// Recomputo de nivel: solo hacia arriba, y solo cuando TODOS los umbrales
	// del siguiente nivel entero se cumplen.
	for l := state.Level + 1; l <= 10; l++ {
		if !state.MeetsThreshold(l) {
			break
		}
		state.Level = l
	}

	if err := s.relRepo.Upsert(ctx, state); err != nil {
		return domain.ExchangeResult{}, fmt.Errorf("persist relationship: %w", err)
	}

	result := domain.ExchangeResult{
		NewLevel: state.Level,
		LevelUp:  state.Level > prevLevel,
		Stage:    domain.StageName(state.Level),
		Bonuses:  bonuses,
	}

	// Nivel 10 alcanzado: intentar emitir la recompensa de rango.
	if state.Level >= 10 {
		reward, err := s.rewardRepo.AllocateNext(ctx, pair, s.cfg.RewardCap, now)
		switch {
		case err == nil:
			result.Reward = &reward
			s.log.Info("reward allocated",
				zap.String("pair", pair.Key()), zap.Int("rank", reward.Rank))
		case errors.Is(err, repository.ErrRewardExists),
			errors.Is(err, repository.ErrRewardCapReached):
			// Ya tiene, o el cupo global se agoto: no es error del intercambio.
		default:
			s.log.Warn("reward allocation failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}
	return result, nil
}

// touchSession acumula actividad por conversation_id y devuelve los minutos a
// acreditar en time_minutes: el hueco desde la ultima actividad de la sesion
// cuando sigue abierta, o 1 minuto al abrir o reanudar tras una pausa mayor a
// SessionGap. La latencia de procesamiento del turno nunca entra al contador.
func (s *RelationshipService) touchSession(ctx context.Context, pair domain.Pair, conversationID string, now time.Time) float64 {
	const resumeCredit = 1.0
	if conversationID == "" {
		return resumeCredit
	}
	credit := resumeCredit
	session, err := s.relRepo.GetSession(ctx, pair, conversationID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		session = domain.ConversationSession{
			ID:        conversationID,
			Pair:      pair,
			StartedAt: now,
		}
	case err != nil:
		s.log.Warn("session load failed", zap.String("conversation", conversationID), zap.Error(err))
		return resumeCredit
	default:
		if gap := now.Sub(session.LastActivity); gap > 0 && gap <= s.cfg.SessionGap {
			credit = gap.Minutes()
		}
	}
	session.LastActivity = now
	session.Exchanges++
	if err := s.relRepo.UpsertSession(ctx, session); err != nil {
		s.log.Warn("session persist failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return credit
}

// MinimalAcknowledge registra solo la interaccion (sin scores ni boosters),
// usado por la rama de clarificacion del orquestador.
func (s *RelationshipService) MinimalAcknowledge(ctx context.Context, pair domain.Pair) {
	now := s.now()
	state, err := s.relRepo.Get(ctx, pair)
	if errors.Is(err, repository.ErrNotFound) {
		state = domain.RelationshipState{Pair: pair, CreatedAt: now}
	} else if err != nil {
		s.log.Warn("minimal acknowledge load failed", zap.String("pair", pair.Key()), zap.Error(err))
		return
	}
	state.LastInteraction = now
	if err := s.relRepo.Upsert(ctx, state); err != nil {
		s.log.Warn("minimal acknowledge persist failed", zap.String("pair", pair.Key()), zap.Error(err))
	}
}

// Snapshot devuelve el estado actual del vinculo; par desconocido devuelve el
// estado cero con etapa Stranger.
func (s *RelationshipService) Snapshot(ctx context.Context, pair domain.Pair) (domain.RelationshipState, error) {
	state, err := s.relRepo.Get(ctx, pair)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.RelationshipState{Pair: pair}, nil
	}
	return state, err
}

// Describe arma la descripcion legible del vinculo para la API.
func (s *RelationshipService) Describe(ctx context.Context, pair domain.Pair) (map[string]any, error) {
	state, err := s.Snapshot(ctx, pair)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"level":       state.Level,
		"description": domain.StageName(state.Level),
		"trust_level": state.TrustLevel,
		"metrics": map[string]any{
			"conversations":      state.Conversations,
			"time_minutes":       state.TimeMinutes,
			"emotional_moments":  state.EmotionalMoments,
			"memories_shared":    state.MemoriesShared,
			"conflicts_resolved": state.ConflictsResolved,
			"growth_events":      state.GrowthEvents,
			"authenticity_score": state.AuthenticityScore,
			"consistency_score":  state.ConsistencyScore,
		},
	}, nil
}

// Leaderboard lista los vinculos mas profundos de un personaje.
func (s *RelationshipService) Leaderboard(ctx context.Context, characterID string, limit int) ([]domain.RelationshipState, error) {
	states, err := s.relRepo.ListByCharacter(ctx, characterID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Level != states[j].Level {
			return states[i].Level > states[j].Level
		}
		return states[i].TimeMinutes > states[j].TimeMinutes
	})
	return states, nil
}

// Rewards expone el listado global para la API.
func (s *RelationshipService) Rewards(ctx context.Context) ([]domain.Reward, error) {
	return s.rewardRepo.List(ctx)
}

func (s *RelationshipService) SetWallet(ctx context.Context, pair domain.Pair, wallet string) error {
	return s.rewardRepo.SetWallet(ctx, pair, wallet)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
