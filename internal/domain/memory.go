package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Tipos de memoria. El buffer es el conjunto caliente; summary condensa lotes
// viejos del buffer; archived/compressed son memorias frias recuperables.
type MemoryType string

const (
	MemoryBuffer      MemoryType = "buffer"
	MemorySummary     MemoryType = "summary"
	MemoryResponse    MemoryType = "response"
	MemoryUserMessage MemoryType = "user_message"
	MemoryArchived    MemoryType = "archived"
	MemoryCompressed  MemoryType = "compressed"
)

type ArchiveStatus string

const (
	ArchiveActive     ArchiveStatus = "active"
	ArchiveArchived   ArchiveStatus = "archived"
	ArchiveCompressed ArchiveStatus = "compressed"
)

// MemoryEntry es la fila primaria del almacen de memoria por par.
type MemoryEntry struct {
	ID                 string        `json:"id"`
	Pair               Pair          `json:"pair"`
	Content            string        `json:"content"`
	MemoryType         MemoryType    `json:"memory_type"`
	Importance         float64       `json:"importance"`          // [0,1]
	EmotionalValence   float64       `json:"emotional_valence"`   // [-1,1]
	RelationshipImpact float64       `json:"relationship_impact"` // [0,1]
	RelatedEntityIDs   []string      `json:"related_entity_ids,omitempty"`
	ConversationID     string        `json:"conversation_id"`
	Topic              string        `json:"topic,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	LastAccessed       time.Time     `json:"last_accessed"`
	AccessCount        int           `json:"access_count"`
	ArchiveStatus      ArchiveStatus `json:"archive_status"`
	CompressedContent  string        `json:"compressed_content,omitempty"`
	CompressionRatio   float64       `json:"compression_ratio,omitempty"`
}

// EffectiveContent devuelve el contenido que se debe mostrar: el comprimido
// cuando existe, con un flag que indica esa condicion.
func (m *MemoryEntry) EffectiveContent() (string, bool) {
	if m.ArchiveStatus == ArchiveCompressed && m.CompressedContent != "" {
		return m.CompressedContent, true
	}
	return m.Content, false
}

// MemoryID calcula el id estable de una memoria a partir del par, la conversacion
// y la cabeza del contenido. Determinista: ingestar dos veces lo mismo produce
// el mismo id.
func MemoryID(pair Pair, conversationID, content string) string {
	head := content
	if len(head) > 64 {
		head = head[:64]
	}
	h := sha256.Sum256([]byte(pair.UserID + "||" + pair.CharacterID + "||" + conversationID + "||" + head))
	return hex.EncodeToString(h[:16])
}

// MemoryStats son contadores que alimentan las heuristicas de capas superiores.
type MemoryStats struct {
	TotalMemories    int `json:"total_memories"`
	BufferCount      int `json:"buffer_count"`
	SummaryCount     int `json:"summary_count"`
	ArchivedCount    int `json:"archived_count"`
	CompressedCount  int `json:"compressed_count"`
	EntityCount      int `json:"entity_count"`
	EmotionalEntries int `json:"emotional_entries"`
}

// ProfileInsights describe el estilo comunicativo observado del usuario.
type ProfileInsights struct {
	CommunicationStyle string         `json:"communication_style"` // inquisitive|emotional|analytical|conversational
	TopInterests       []string       `json:"top_interests,omitempty"`
	ActiveHours        map[int]int    `json:"active_hours,omitempty"`
	TopicDistribution  map[string]int `json:"topic_distribution,omitempty"`
}

// EmotionalContext es el estado emocional reciente que viaja en el bundle.
type EmotionalContext struct {
	Current string   `json:"current,omitempty"`
	History []string `json:"history,omitempty"`
}

// ContextBundle es el objeto estructurado que el orquestador entrega al
// ensamblador de prompts. Construccion acotada y determinista.
type ContextBundle struct {
	Recent           []MemoryEntry    `json:"recent"`
	Important        []MemoryEntry    `json:"important"`
	Entities         []Entity         `json:"entities"`
	SummaryContext   string           `json:"summary_context,omitempty"`
	EmotionalContext EmotionalContext `json:"emotional_context"`
	Topic            string           `json:"topic,omitempty"`
	Stats            MemoryStats      `json:"stats"`
	Insights         ProfileInsights  `json:"profile_insights"`
	Degraded         bool             `json:"degraded,omitempty"` // true cuando storage fallo y solo hay buffer en memoria
}

// PersonalDetails es el mapa estructurado de datos personales extraidos de las
// memorias. Las ocurrencias multiples acumulan en sets (slices ordenados).
type PersonalDetails struct {
	Name     string              `json:"name,omitempty"`
	Age      int                 `json:"age,omitempty"`
	Location string              `json:"location,omitempty"`
	Work     []string            `json:"work,omitempty"`
	Family   map[string][]string `json:"family,omitempty"` // rol -> nombres
	Pets     []string            `json:"pets,omitempty"`
	Likes    []string            `json:"likes,omitempty"`
}

func (d PersonalDetails) Empty() bool {
	return d.Name == "" && d.Age == 0 && d.Location == "" &&
		len(d.Work) == 0 && len(d.Family) == 0 && len(d.Pets) == 0 && len(d.Likes) == 0
}
