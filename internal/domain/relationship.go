package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RelationshipState es el vinculo acumulado de un par en escala 0..10.
// El nivel nunca decrece en juego normal; solo sube cuando TODOS los umbrales
// del siguiente nivel entero se cumplen.
type RelationshipState struct {
	Pair              Pair      `json:"pair"`
	Level             int       `json:"level"` // 0..10
	Conversations     int       `json:"conversations"`
	TimeMinutes       float64   `json:"time_minutes"`
	EmotionalMoments  int       `json:"emotional_moments"`
	MemoriesShared    int       `json:"memories_shared"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	GrowthEvents      int       `json:"growth_events"`
	TrustLevel        float64   `json:"trust_level"`        // [0,1]
	ConsistencyScore  float64   `json:"consistency_score"`  // [0,1]
	AuthenticityScore float64   `json:"authenticity_score"` // [0,1]
	LastInteraction   time.Time `json:"last_interaction"`
	CreatedAt         time.Time `json:"created_at"`
}

// LevelThreshold define los minimos para alcanzar un nivel entero.
type LevelThreshold struct {
	Conversations    int
	Minutes          float64
	EmotionalMoments int
	MemoriesShared   int
}

// LevelThresholds indexa por nivel 1..10. Nivel 0 es el estado inicial.
var LevelThresholds = map[int]LevelThreshold{
	1:  {Conversations: 2, Minutes: 5, EmotionalMoments: 1, MemoriesShared: 1},
	2:  {Conversations: 4, Minutes: 10, EmotionalMoments: 2, MemoriesShared: 2},
	3:  {Conversations: 6, Minutes: 18, EmotionalMoments: 3, MemoriesShared: 3},
	4:  {Conversations: 8, Minutes: 26, EmotionalMoments: 4, MemoriesShared: 4},
	5:  {Conversations: 10, Minutes: 34, EmotionalMoments: 5, MemoriesShared: 5},
	6:  {Conversations: 12, Minutes: 44, EmotionalMoments: 6, MemoriesShared: 6},
	7:  {Conversations: 14, Minutes: 54, EmotionalMoments: 7, MemoriesShared: 7},
	8:  {Conversations: 16, Minutes: 62, EmotionalMoments: 8, MemoriesShared: 8},
	9:  {Conversations: 18, Minutes: 72, EmotionalMoments: 9, MemoriesShared: 9},
	10: {Conversations: 20, Minutes: 80, EmotionalMoments: 10, MemoriesShared: 10},
}

// MeetsThreshold reporta si los contadores actuales alcanzan el nivel dado.
func (r *RelationshipState) MeetsThreshold(level int) bool {
	t, ok := LevelThresholds[level]
	if !ok {
		return false
	}
	return r.Conversations >= t.Conversations &&
		r.TimeMinutes >= t.Minutes &&
		r.EmotionalMoments >= t.EmotionalMoments &&
		r.MemoriesShared >= t.MemoriesShared
}

// StageName mapea el nivel a la etapa del vinculo. Transiciones solo hacia
// adelante; SoulBond es terminal para recompensas.
func StageName(level int) string {
	switch {
	case level <= 0:
		return "Stranger"
	case level <= 2:
		return "Acquaintance"
	case level == 3:
		return "Warming"
	case level <= 5:
		return "Friend"
	case level <= 7:
		return "CloseFriend"
	case level <= 9:
		return "DeepConnection"
	default:
		return "SoulBond"
	}
}

// EmotionalMoment registra un pico emocional autentico del intercambio.
type EmotionalMoment struct {
	ID        string    `json:"id"`
	Pair      Pair      `json:"pair"`
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"`
	Excerpt   string    `json:"excerpt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSession acumula actividad por conversation_id; alimenta el
// contador time_minutes del vinculo.
type ConversationSession struct {
	ID           string    `json:"id"`
	Pair         Pair      `json:"pair"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Exchanges    int       `json:"exchanges"`
}

// Reward es el reconocimiento de rango limitado (<=100 global) al llegar a
// nivel 10. A lo sumo una por par; el rango es estrictamente creciente.
type Reward struct {
	Rank          int       `json:"rank"`
	UserID        string    `json:"user_id"`
	CharacterID   string    `json:"character_id"`
	AwardedAt     time.Time `json:"awarded_at"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Minted        bool      `json:"minted"`
}

// ExchangeBonuses detalla los boosters aplicados en un intercambio.
type ExchangeBonuses struct {
	EmotionalScore  float64  `json:"emotional_score"`
	DepthScore      float64  `json:"depth_score"`
	Authenticity    float64  `json:"authenticity"`
	Boosters        []string `json:"boosters,omitempty"`
	MomentRecorded  bool     `json:"moment_recorded"`
	MomentCapped    bool     `json:"moment_capped,omitempty"`
}

// ExchangeResult es la salida de procesar un intercambio.
type ExchangeResult struct {
	NewLevel    int             `json:"new_level"`
	LevelUp     bool            `json:"level_up"`
	Stage       string          `json:"stage"`
	Bonuses     ExchangeBonuses `json:"bonuses"`
	Reward      *Reward         `json:"nft_reward,omitempty"`
	RateLimited bool            `json:"rate_limited,omitempty"`
}

// ExchangeKey calcula la clave de idempotencia de un intercambio: los contadores
// se aplican exactamente una vez aunque haya reintentos dentro del mismo bucket.
func ExchangeKey(userMsg, response string, at time.Time) string {
	bucket := at.UTC().Truncate(10 * time.Second).Format(time.RFC3339)
	h := sha256.Sum256([]byte(userMsg + "||" + response + "||" + bucket))
	return hex.EncodeToString(h[:16])
}
