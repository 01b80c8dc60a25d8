package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"companion-llm/internal/domain"
)

// PromptBuilder compone el prompt final que recibe el LLM: persona, contexto
// biografico, prefacio de datos personales, memoria, linea de animo y el
// mensaje crudo del usuario. El total esta acotado en caracteres; las memorias
// mas viejas se descartan primero.
type PromptBuilder struct {
	MaxChars int // default 12000
}

func NewPromptBuilder(maxChars int) *PromptBuilder {
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &PromptBuilder{MaxChars: maxChars}
}

// PromptInput agrupa todo lo que el ensamblador necesita para un turno.
type PromptInput struct {
	Character    domain.CharacterDescriptor
	Details      domain.PersonalDetails
	Context      domain.ContextBundle
	Mood         domain.CharacterState
	Relationship domain.RelationshipState
	Timezone     string
	UserMessage  string
}

// Build arma el prompt completo en el orden canonico.
func (b *PromptBuilder) Build(in PromptInput) string {
	var sb strings.Builder

	// 1. Bloque de persona.
	sb.WriteString(fmt.Sprintf("You are %s. ", in.Character.Name))
	if len(in.Character.Persona) > 0 {
		keys := make([]string, 0, len(in.Character.Persona))
		for k := range in.Character.Persona {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("%s: %s. ", capitalize(k), in.Character.Persona[k]))
		}
	}
	sb.WriteString("\n\n")

	// 2. Contexto biografico, solo para personajes historicos o cuando el
	// mensaje lo dispara.
	if in.Character.Biography != "" &&
		(in.Character.Historical || mentionsBiography(in.UserMessage, in.Character)) {
		sb.WriteString("=== BACKGROUND ===\n")
		sb.WriteString(in.Character.Biography)
		sb.WriteString("\n\n")
	}

	// 3. Prefacio de datos personales.
	if !in.Details.Empty() {
		sb.WriteString("=== ABOUT THE USER (About you, I remember...) ===\n")
		sb.WriteString(FormatPersonalDetails(in.Details))
		sb.WriteString("\n\n")
	}

	// 4. Contexto de memoria: recientes + importantes + resumen. Este es el
	// bloque elastico que absorbe el recorte por presupuesto.
	memoryBlock := b.buildMemoryBlock(in)
	sb.WriteString(memoryBlock)

	// 5. Linea de animo.
	if in.Mood.CurrentMood != "" {
		sb.WriteString(fmt.Sprintf("Your current mood toward this user: %s (intensity %.2f). ",
			in.Mood.CurrentMood, in.Mood.MoodIntensity))
	}
	sb.WriteString(fmt.Sprintf("Relationship stage: %s (level %d).\n\n",
		domain.StageName(in.Relationship.Level), in.Relationship.Level))

	// 6. Contexto de zona horaria si esta disponible.
	if in.Timezone != "" {
		if loc, err := time.LoadLocation(in.Timezone); err == nil {
			sb.WriteString(fmt.Sprintf("Local time for the user: %s.\n\n",
				time.Now().In(loc).Format("Monday 15:04")))
		}
	}

	// 7. Separador y mensaje crudo.
	sb.WriteString("=== USER MESSAGE ===\n")
	sb.WriteString(in.UserMessage)
	sb.WriteString("\n\nRespond in character. Conversational, natural, coherent with everything you remember.\n")

	return sb.String()
}

// buildMemoryBlock arma la seccion de memoria respetando el presupuesto: lo
// fijo del prompt se estima y las memorias mas viejas se sueltan primero.
func (b *PromptBuilder) buildMemoryBlock(in PromptInput) string {
	// Presupuesto para memoria: el total menos un margen para persona, animo y
	// mensaje del usuario.
	budget := b.MaxChars - len(in.UserMessage) - 2000
	if budget < 500 {
		budget = 500
	}

	var lines []string
	if in.Context.SummaryContext != "" {
		lines = append(lines, "Earlier conversations: "+in.Context.SummaryContext)
	}
	for _, m := range in.Context.Important {
		content, compressed := m.EffectiveContent()
		if compressed {
			lines = append(lines, "[older] "+content)
		} else {
			lines = append(lines, "[important] "+content)
		}
	}
	// Recientes en orden cronologico, las mas nuevas al final. Al recortar se
	// descartan primero las viejas (cabeza de la lista).
	recent := make([]domain.MemoryEntry, len(in.Context.Recent))
	copy(recent, in.Context.Recent)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.Before(recent[j].CreatedAt)
	})
	for _, m := range recent {
		content, _ := m.EffectiveContent()
		lines = append(lines, "- "+content)
	}
	if len(in.Context.Entities) > 0 {
		names := make([]string, 0, len(in.Context.Entities))
		for i, e := range in.Context.Entities {
			if i >= 10 {
				break
			}
			label := e.Name
			if rel, ok := e.Attributes["relationship"]; ok {
				label += " (" + rel + ")"
			}
			names = append(names, label)
		}
		lines = append(lines, "People and things the user has mentioned: "+strings.Join(names, ", "))
	}
	if in.Context.Topic != "" && in.Context.Topic != "general" {
		lines = append(lines, "Current conversation topic: "+in.Context.Topic)
	}

	// Recorte: soltar lineas desde el principio (las mas viejas) hasta entrar
	// en presupuesto. El resumen y las entidades sobreviven mientras se pueda.
	for total := blockLen(lines); total > budget && len(lines) > 1; total = blockLen(lines) {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("=== MEMORY CONTEXT ===\n")
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func blockLen(lines []string) int {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	return total
}

// mentionsBiography detecta si el mensaje pregunta por la vida del personaje.
func mentionsBiography(message string, c domain.CharacterDescriptor) bool {
	lower := strings.ToLower(message)
	triggers := []string{"your life", "your past", "your history", "tell me about yourself",
		"where are you from", "your childhood", strings.ToLower(c.Name)}
	for _, t := range triggers {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// BuildClarification arma la respuesta de clarificacion en la voz del
// personaje cuando quedan referencias ambiguas.
func (b *PromptBuilder) BuildClarification(c domain.CharacterDescriptor, ambiguous []string, candidates []domain.Entity) string {
	pronoun := "they"
	if len(ambiguous) > 0 {
		pronoun = ambiguous[0]
	}
	var names []string
	for i, e := range candidates {
		if i >= 3 {
			break
		}
		names = append(names, e.Name)
	}
	if len(names) >= 2 {
		return fmt.Sprintf("Just to make sure I follow you: when you say %q, do you mean %s or %s?",
			pronoun, strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
	}
	return fmt.Sprintf("I want to make sure I understand: who do you mean by %q?", pronoun)
}
