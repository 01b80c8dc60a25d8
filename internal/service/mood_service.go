package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
)

// trajectoryLimit acota el anillo de eventos emocionales por par.
const trajectoryLimit = 20

// MoodService mantiene el CharacterState por par: mapa caliente en memoria,
// replica opcional en Redis y persistencia asincrona en la base compartida
// para sobrevivir reinicios. Las lecturas toleran un valor levemente viejo.
type MoodService struct {
	relRepo repository.RelationshipRepository
	rdb     *redis.Client
	log     *zap.Logger

	mu     sync.RWMutex
	states map[string]domain.CharacterState

	persistTimeout time.Duration
}

func NewMoodService(relRepo repository.RelationshipRepository, rdb *redis.Client, log *zap.Logger) *MoodService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MoodService{
		relRepo:        relRepo,
		rdb:            rdb,
		log:            log,
		states:         make(map[string]domain.CharacterState),
		persistTimeout: 2 * time.Second,
	}
}

// UpdateFromUser ajusta el animo del personaje segun la emocion detectada en
// el mensaje del usuario.
func (s *MoodService) UpdateFromUser(ctx context.Context, pair domain.Pair, message string) {
	emotion, intensity := dominantEmotion(detectEmotions(message))
	if emotion == "" {
		s.touch(ctx, pair)
		return
	}
	s.apply(ctx, pair, domain.EmotionEvent{
		Emotion:   emotion,
		Intensity: intensity,
		Source:    "user",
		At:        time.Now().UTC(),
	})
}

// UpdateFromResponse ajusta el animo segun la respuesta generada.
func (s *MoodService) UpdateFromResponse(ctx context.Context, pair domain.Pair, response string) {
	emotion, intensity := dominantEmotion(detectEmotions(response))
	if emotion == "" {
		return
	}
	// La propia respuesta pesa menos que lo que trae el usuario.
	s.apply(ctx, pair, domain.EmotionEvent{
		Emotion:   emotion,
		Intensity: intensity * 0.5,
		Source:    "character",
		At:        time.Now().UTC(),
	})
}

func (s *MoodService) apply(ctx context.Context, pair domain.Pair, ev domain.EmotionEvent) {
	s.mu.Lock()
	state := s.loadLocked(ctx, pair)
	state.PushEvent(ev, trajectoryLimit)
	// El animo vigente sigue al evento mas reciente con suavizado de intensidad.
	state.CurrentMood = ev.Emotion
	state.MoodIntensity = clamp01(state.MoodIntensity*0.6 + ev.Intensity*0.4)
	state.LastInteraction = ev.At
	s.states[pair.Key()] = state
	s.mu.Unlock()

	s.persistAsync(pair, state)
}

func (s *MoodService) touch(ctx context.Context, pair domain.Pair) {
	s.mu.Lock()
	state := s.loadLocked(ctx, pair)
	state.LastInteraction = time.Now().UTC()
	s.states[pair.Key()] = state
	s.mu.Unlock()
}

// loadLocked resuelve el estado del par: mapa caliente, luego Redis, luego la
// base compartida. Se llama con el lock tomado.
func (s *MoodService) loadLocked(ctx context.Context, pair domain.Pair) domain.CharacterState {
	if state, ok := s.states[pair.Key()]; ok {
		return state
	}
	if state, ok := s.loadRedis(ctx, pair); ok {
		return state
	}
	if s.relRepo != nil {
		raw, err := s.relRepo.LoadCharacterState(ctx, pair)
		if err == nil {
			var state domain.CharacterState
			if json.Unmarshal([]byte(raw), &state) == nil {
				return state
			}
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("character state load failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}
	return domain.CharacterState{Pair: pair, CurrentMood: "neutral", MoodIntensity: 0.3}
}

func moodRedisKey(pair domain.Pair) string {
	return "mood:" + pair.Key()
}

func (s *MoodService) loadRedis(ctx context.Context, pair domain.Pair) (domain.CharacterState, bool) {
	if s.rdb == nil {
		return domain.CharacterState{}, false
	}
	raw, err := s.rdb.Get(ctx, moodRedisKey(pair)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("redis mood read failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
		return domain.CharacterState{}, false
	}
	var state domain.CharacterState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.CharacterState{}, false
	}
	return state, true
}

// persistAsync replica a Redis y a la base compartida sin bloquear el turno.
func (s *MoodService) persistAsync(pair domain.Pair, state domain.CharacterState) {
	raw, err := json.Marshal(state)
	if err != nil {
		s.log.Warn("character state marshal failed", zap.String("pair", pair.Key()), zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if s.rdb != nil {
			if err := s.rdb.Set(ctx, moodRedisKey(pair), raw, 24*time.Hour).Err(); err != nil {
				s.log.Warn("redis mood write failed", zap.String("pair", pair.Key()), zap.Error(err))
			}
		}
		if s.relRepo != nil {
			if err := s.relRepo.SaveCharacterState(ctx, pair, string(raw), state.LastInteraction); err != nil {
				s.log.Warn("character state persist failed", zap.String("pair", pair.Key()), zap.Error(err))
			}
		}
	}()
}

// Snapshot devuelve el estado vigente; nunca falla, a lo sumo devuelve el
// estado neutral inicial.
func (s *MoodService) Snapshot(pair domain.Pair) domain.CharacterState {
	s.mu.RLock()
	state, ok := s.states[pair.Key()]
	s.mu.RUnlock()
	if ok {
		return state
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	state = s.loadLocked(ctx, pair)
	s.states[pair.Key()] = state
	return state
}
