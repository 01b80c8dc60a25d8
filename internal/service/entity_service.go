package service

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
)

// EntityService extrae entidades de texto libre con patrones basados en reglas
// y mantiene el grafo por usuario: aliases, atributos, aristas y la ventana de
// contexto usada para resolver pronombres.
type EntityService struct {
	entityRepo  repository.EntityRepository
	contextRepo repository.ContextWindowRepository
	log         *zap.Logger
	windowSize  int
}

func NewEntityService(entityRepo repository.EntityRepository, contextRepo repository.ContextWindowRepository, log *zap.Logger) *EntityService {
	if log == nil {
		log = zap.NewNop()
	}
	return &EntityService{
		entityRepo:  entityRepo,
		contextRepo: contextRepo,
		log:         log,
		windowSize:  10,
	}
}

// candidate es una entidad detectada en el mensaje antes de persistir.
type candidate struct {
	name       string
	entityType domain.EntityType
	attributes map[string]string
}

var (
	// La frase disparadora es case-insensitive; el nombre capturado exige
	// mayuscula inicial real, por eso el (?-i:) alrededor del grupo.
	reNameIntro = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmy name is (?-i:([A-Z][a-zA-Z]+))`),
		regexp.MustCompile(`\bI'?m ([A-Z][a-zA-Z]+)\b`),
		regexp.MustCompile(`(?i)\bcall me (?-i:([A-Z][a-zA-Z]+))`),
	}
	reRelationMarker = regexp.MustCompile(`(?i)\b(?:my|his|her|their) (sister|brother|mother|father|mom|dad|wife|husband|partner|girlfriend|boyfriend|friend|colleague|boss|aunt|uncle|cousin|grandmother|grandfather|daughter|son) (?:is )?(?:named |called )?(?-i:([A-Z][a-zA-Z]+))`)
	rePet            = regexp.MustCompile(`(?i)\b(?:my|our) (dog|cat|bird|hamster|rabbit|fish|puppy|kitten|parrot|turtle) (?:is )?(?:named |called )?(?-i:([A-Z][a-zA-Z]+))`)
	rePlaceFirst     = regexp.MustCompile(`(?i)\bI (?:live|lived|grew up) in (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`)
	rePlaceFrom      = regexp.MustCompile(`(?i)\bI'?m from (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`)
	rePlaceThird     = regexp.MustCompile(`(?i)\blives? in (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`)
	rePlaceMoved     = regexp.MustCompile(`(?i)\bmoved to (?-i:([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?))`)
	reProject        = regexp.MustCompile(`(?i)\bworking on (?:a |an |the |my )?([a-zA-Z][a-zA-Z0-9 _-]{2,40})`)
	reProperNoun     = regexp.MustCompile(`\b([A-Z][a-z]{2,})\b`)

	reAge        = regexp.MustCompile(`(?i)\bI'?m (\d{1,3})\b|\bI am (\d{1,3})\b|, (\d{1,3}),`)
	reOccupation = regexp.MustCompile(`(?i)\bI work as (?:a |an )?([a-zA-Z ]{2,40})`)
)

// Palabras que nunca son nombres de entidad por si solas.
var entityStopwords = map[string]bool{
	"the": true, "and": true, "but": true, "yes": true, "not": true,
	"hi": true, "hello": true, "hey": true, "how": true, "what": true,
	"when": true, "where": true, "why": true, "who": true, "this": true,
	"that": true, "there": true, "here": true, "today": true, "tomorrow": true,
	"yesterday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true, "may": true,
	"june": true, "july": true, "august": true, "september": true,
	"october": true, "november": true, "december": true, "ok": true, "okay": true,
	"thanks": true, "thank": true, "please": true, "just": true, "really": true,
}

// Extract detecta entidades en el mensaje, las fusiona contra el grafo
// persistido y refresca la ventana de contexto. Devuelve las entidades ya
// persistidas (con ids estables).
func (s *EntityService) Extract(ctx context.Context, pair domain.Pair, conversationID, message string) ([]domain.Entity, error) {
	candidates := s.collectCandidates(message)
	if len(candidates) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	persisted := make([]domain.Entity, 0, len(candidates))
	for _, c := range candidates {
		e, err := s.mergeCandidate(ctx, pair, c, now)
		if err != nil {
			s.log.Warn("entity merge failed",
				zap.String("pair", pair.Key()),
				zap.String("name", c.name),
				zap.Error(err))
			continue
		}
		persisted = append(persisted, e)
	}

	if len(persisted) > 0 && conversationID != "" {
		if err := s.refreshWindow(ctx, pair, conversationID, persisted, message); err != nil {
			s.log.Warn("context window update failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
	}
	return persisted, nil
}

// Window devuelve la ventana de contexto actual con sus entidades cargadas.
func (s *EntityService) Window(ctx context.Context, pair domain.Pair, conversationID string) (domain.ContextWindow, []domain.Entity, error) {
	window, err := s.contextRepo.Get(ctx, pair, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ContextWindow{ConversationID: conversationID}, nil, nil
	}
	if err != nil {
		return domain.ContextWindow{}, nil, err
	}
	entities, err := s.entityRepo.ListByIDs(ctx, pair, window.EntityIDs)
	if err != nil {
		return window, nil, err
	}
	return window, entities, nil
}

// RecordMention asocia entidades con la memoria que las menciona.
func (s *EntityService) RecordMention(ctx context.Context, pair domain.Pair, entityIDs []string, memoryID, conversationID string) {
	now := time.Now().UTC()
	for _, id := range entityIDs {
		if err := s.entityRepo.RecordMention(ctx, pair, id, memoryID, conversationID, now); err != nil {
			s.log.Warn("record mention failed", zap.String("entity", id), zap.Error(err))
		}
	}
}

func (s *EntityService) collectCandidates(message string) []candidate {
	seen := make(map[string]bool)
	var out []candidate

	add := func(name string, t domain.EntityType, attrs map[string]string) {
		name = strings.TrimSpace(name)
		if len(name) < 2 || entityStopwords[strings.ToLower(name)] {
			return
		}
		key := string(t) + "|" + domain.NormalizeEntityName(name)
		if seen[key] {
			// Fusionar atributos de ocurrencias repetidas en el mismo mensaje.
			for i := range out {
				if string(out[i].entityType)+"|"+domain.NormalizeEntityName(out[i].name) == key {
					for k, v := range attrs {
						out[i].attributes[k] = v
					}
				}
			}
			return
		}
		seen[key] = true
		if attrs == nil {
			attrs = make(map[string]string)
		}
		out = append(out, candidate{name: name, entityType: t, attributes: attrs})
	}

	for _, re := range reNameIntro {
		if m := re.FindStringSubmatch(message); m != nil {
			attrs := map[string]string{"is_user": "true"}
			if age := extractAge(message); age > 0 {
				attrs["age"] = strconv.Itoa(age)
			}
			if occ := extractOccupation(message); occ != "" {
				attrs["occupation"] = occ
			}
			add(m[1], domain.EntityPerson, attrs)
			break
		}
	}

	for _, m := range reRelationMarker.FindAllStringSubmatch(message, -1) {
		add(m[2], domain.EntityPerson, map[string]string{"relationship": strings.ToLower(m[1])})
	}
	for _, m := range rePet.FindAllStringSubmatch(message, -1) {
		add(m[2], domain.EntityPet, map[string]string{"species": strings.ToLower(m[1])})
	}
	for _, re := range []*regexp.Regexp{rePlaceFirst, rePlaceFrom, rePlaceThird, rePlaceMoved} {
		for _, m := range re.FindAllStringSubmatch(message, -1) {
			add(m[1], domain.EntityPlace, nil)
		}
	}
	for _, m := range reProject.FindAllStringSubmatch(message, -1) {
		name := strings.TrimSpace(m[1])
		// Cortar en la primera palabra funcional para no tragar media oracion.
		if idx := strings.IndexAny(name, ".,;!?"); idx > 0 {
			name = name[:idx]
		}
		words := strings.Fields(name)
		if len(words) > 4 {
			words = words[:4]
		}
		add(strings.Join(words, " "), domain.EntityProject, nil)
	}

	// Fallback de nombres propios: solo si ya hubo candidatos que priman el
	// contexto (evita convertir cada mayuscula inicial en entidad).
	if len(out) > 0 {
		captured := make(map[string]bool, len(out))
		for _, c := range out {
			captured[domain.NormalizeEntityName(c.name)] = true
			for _, w := range strings.Fields(c.name) {
				captured[domain.NormalizeEntityName(w)] = true
			}
		}
		for _, m := range reProperNoun.FindAllStringSubmatchIndex(message, -1) {
			start := m[2]
			name := message[m[2]:m[3]]
			if start == 0 || entityStopwords[strings.ToLower(name)] || captured[domain.NormalizeEntityName(name)] {
				continue
			}
			// Saltear inicios de oracion (". Name").
			prefix := strings.TrimRight(message[:start], " ")
			if strings.HasSuffix(prefix, ".") || strings.HasSuffix(prefix, "!") || strings.HasSuffix(prefix, "?") {
				continue
			}
			add(name, domain.EntityPerson, nil)
		}
	}
	return out
}

func extractAge(message string) int {
	m := reAge.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if g != "" {
			age, err := strconv.Atoi(g)
			if err == nil && age > 0 && age < 130 {
				return age
			}
		}
	}
	return 0
}

func extractOccupation(message string) string {
	if m := reOccupation.FindStringSubmatch(message); m != nil {
		occ := strings.TrimSpace(m[1])
		words := strings.Fields(occ)
		if len(words) > 3 {
			words = words[:3]
		}
		return strings.ToLower(strings.Join(words, " "))
	}
	return ""
}

// mergeCandidate busca por (user, type, nombre normalizado); si existe,
// incrementa menciones y fusiona atributos; si no, crea con confianza 0.8.
func (s *EntityService) mergeCandidate(ctx context.Context, pair domain.Pair, c candidate, now time.Time) (domain.Entity, error) {
	existing, err := s.entityRepo.GetByNormalizedName(ctx, pair, c.entityType, c.name)
	switch {
	case err == nil:
		existing.MentionCount++
		existing.LastSeen = now
		if existing.Attributes == nil {
			existing.Attributes = make(map[string]string)
		}
		for k, v := range c.attributes {
			existing.Attributes[k] = v
		}
		if !existing.HasAlias(c.name) {
			existing.Aliases = append(existing.Aliases, c.name)
		}
		if err := s.entityRepo.Upsert(ctx, pair, existing); err != nil {
			return domain.Entity{}, err
		}
		return existing, nil
	case errors.Is(err, repository.ErrNotFound):
		e := domain.Entity{
			ID:           domain.EntityID(pair.UserID, c.entityType, c.name),
			UserID:       pair.UserID,
			Name:         c.name,
			Type:         c.entityType,
			Attributes:   c.attributes,
			FirstSeen:    now,
			LastSeen:     now,
			MentionCount: 1,
			Confidence:   0.8,
		}
		if err := s.entityRepo.Upsert(ctx, pair, e); err != nil {
			return domain.Entity{}, err
		}
		return e, nil
	default:
		return domain.Entity{}, err
	}
}

func (s *EntityService) refreshWindow(ctx context.Context, pair domain.Pair, conversationID string, entities []domain.Entity, message string) error {
	window, err := s.contextRepo.Get(ctx, pair, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		window = domain.ContextWindow{ConversationID: conversationID}
	} else if err != nil {
		return err
	}
	for _, e := range entities {
		window.Touch(e.ID, s.windowSize)
	}
	window.CurrentTopic = detectTopic(message)
	if hits := detectEmotions(message); len(hits) > 0 {
		emotion, _ := dominantEmotion(hits)
		window.EmotionalContext = emotion
	}
	window.UpdatedAt = time.Now().UTC()
	return s.contextRepo.Save(ctx, pair, window)
}
