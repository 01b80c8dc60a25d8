package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityPet     EntityType = "pet"
	EntityPlace   EntityType = "place"
	EntityObject  EntityType = "object"
	EntityConcept EntityType = "concept"
	EntityProject EntityType = "project"
	EntityEvent   EntityType = "event"
)

// Entity es un nodo del grafo por usuario: personas, mascotas, lugares,
// proyectos. Las aristas viven en Edges como relationship_type -> ids.
type Entity struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Name         string              `json:"name"`
	Type         EntityType          `json:"type"`
	Aliases      []string            `json:"aliases,omitempty"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
	Edges        map[string][]string `json:"edges,omitempty"`
	FirstSeen    time.Time           `json:"first_seen"`
	LastSeen     time.Time           `json:"last_seen"`
	MentionCount int                 `json:"mention_count"`
	Confidence   float64             `json:"confidence"`
}

// NormalizeEntityName canonicaliza un nombre para la clave de unicidad
// (user_id, type, normalized_name).
func NormalizeEntityName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EntityID calcula el id estable de una entidad.
func EntityID(userID string, entityType EntityType, name string) string {
	h := sha256.Sum256([]byte(userID + "||" + string(entityType) + "||" + NormalizeEntityName(name)))
	return hex.EncodeToString(h[:16])
}

// HasAlias reporta si la entidad conoce ese nombre (principal o alias).
func (e *Entity) HasAlias(name string) bool {
	n := NormalizeEntityName(name)
	if NormalizeEntityName(e.Name) == n {
		return true
	}
	for _, a := range e.Aliases {
		if NormalizeEntityName(a) == n {
			return true
		}
	}
	return false
}

// ContextWindow es la ventana conversacional acotada usada para resolver
// pronombres: entidades recientes ordenadas por ultima mencion.
type ContextWindow struct {
	ConversationID   string    `json:"conversation_id"`
	EntityIDs        []string  `json:"entity_ids"` // mas reciente primero
	CurrentTopic     string    `json:"current_topic,omitempty"`
	EmotionalContext string    `json:"emotional_context,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Touch mueve una entidad al frente de la ventana, respetando el limite.
func (w *ContextWindow) Touch(entityID string, limit int) {
	out := make([]string, 0, len(w.EntityIDs)+1)
	out = append(out, entityID)
	for _, id := range w.EntityIDs {
		if id != entityID {
			out = append(out, id)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	w.EntityIDs = out
}

// PronounResolution asocia un pronombre del mensaje con la entidad elegida.
type PronounResolution struct {
	Pronoun  string `json:"pronoun"`
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
}

// ResolveResult es la salida del resolutor: resoluciones firmes mas la lista de
// referencias que quedaron ambiguas.
type ResolveResult struct {
	Resolutions []PronounResolution `json:"resolutions,omitempty"`
	Ambiguous   []string            `json:"ambiguous_refs,omitempty"`
}
