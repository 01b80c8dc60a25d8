package service

import (
	"sort"
	"strings"

	"companion-llm/internal/domain"
)

// PronounResolver resuelve pronombres contra la ventana de contexto. La regla:
// si exactamente un candidato compatible gana por recencia + heuristicas, se
// resuelve; con cero candidatos en contexto multi-entidad, o empate entre dos o
// mas, el pronombre queda ambiguo.
type PronounResolver struct{}

type pronounClass struct {
	gender string // "female" | "male" | "neutral"
	types  []domain.EntityType
}

var pronounClasses = map[string]pronounClass{
	"she":    {gender: "female", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"her":    {gender: "female", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"hers":   {gender: "female", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"he":     {gender: "male", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"him":    {gender: "male", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"his":    {gender: "male", types: []domain.EntityType{domain.EntityPerson, domain.EntityPet}},
	"they":   {gender: "neutral", types: []domain.EntityType{domain.EntityPerson}},
	"them":   {gender: "neutral", types: []domain.EntityType{domain.EntityPerson}},
	"their":  {gender: "neutral", types: []domain.EntityType{domain.EntityPerson}},
	"it":     {gender: "neutral", types: []domain.EntityType{domain.EntityPet, domain.EntityObject, domain.EntityProject, domain.EntityPlace}},
	"its":    {gender: "neutral", types: []domain.EntityType{domain.EntityPet, domain.EntityObject, domain.EntityProject, domain.EntityPlace}},
}

// Etiquetas de relacion que implican genero.
var femaleRelations = map[string]bool{
	"sister": true, "mother": true, "mom": true, "wife": true, "girlfriend": true,
	"aunt": true, "grandmother": true, "daughter": true,
}
var maleRelations = map[string]bool{
	"brother": true, "father": true, "dad": true, "husband": true, "boyfriend": true,
	"uncle": true, "grandfather": true, "son": true,
}

// Heuristica minima de genero por nombre: terminaciones frecuentes. Solo
// desempata; nunca descarta un candidato sin otra evidencia.
func nameGenderHint(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "a"), strings.HasSuffix(lower, "e"),
		strings.HasSuffix(lower, "ie"), strings.HasSuffix(lower, "ine"):
		return "female"
	case strings.HasSuffix(lower, "o"), strings.HasSuffix(lower, "us"),
		strings.HasSuffix(lower, "k"), strings.HasSuffix(lower, "r"):
		return "male"
	default:
		return ""
	}
}

func entityGender(e domain.Entity) string {
	if g, ok := e.Attributes["gender"]; ok {
		return g
	}
	if rel, ok := e.Attributes["relationship"]; ok {
		if femaleRelations[rel] {
			return "female"
		}
		if maleRelations[rel] {
			return "male"
		}
	}
	return nameGenderHint(e.Name)
}

// Resolve analiza el mensaje contra las entidades de la ventana (ordenadas de
// mas a menos reciente).
func (PronounResolver) Resolve(message string, window []domain.Entity) domain.ResolveResult {
	var result domain.ResolveResult
	tokens := strings.Fields(strings.ToLower(strings.Map(stripPunct, message)))

	reported := make(map[string]bool)
	for idx, tok := range tokens {
		class, ok := pronounClasses[tok]
		if !ok || reported[tok] {
			continue
		}
		reported[tok] = true

		candidates := matchCandidates(class, window)
		switch {
		case len(candidates) == 1:
			result.Resolutions = append(result.Resolutions, domain.PronounResolution{
				Pronoun:  tok,
				EntityID: candidates[0].ID,
				Name:     candidates[0].Name,
			})
		case len(candidates) == 0:
			// Con contexto multi-entidad y cero candidatos compatibles, el
			// pronombre no puede atarse a nada: ambiguo.
			if len(window) > 1 {
				result.Ambiguous = append(result.Ambiguous, tok)
			}
		default:
			// Dos o mas con rango equivalente. Pronombre al inicio de la
			// oracion suele ser el sujeto obvio: tomar el mas reciente.
			if idx <= 1 {
				best := mostRecent(candidates, window)
				result.Resolutions = append(result.Resolutions, domain.PronounResolution{
					Pronoun:  tok,
					EntityID: best.ID,
					Name:     best.Name,
				})
			} else {
				result.Ambiguous = append(result.Ambiguous, tok)
			}
		}
	}
	sort.Strings(result.Ambiguous)
	return result
}

// matchCandidates filtra la ventana por compatibilidad de tipo y genero, y
// devuelve solo el grupo de rango maximo. La recencia se puntua entre los
// candidatos compatibles, no sobre posiciones crudas de la ventana: una entidad
// intercalada de otro tipo no ensancha la brecha entre dos personas.
func matchCandidates(class pronounClass, window []domain.Entity) []domain.Entity {
	var compatible []domain.Entity
	for _, e := range window {
		if !typeMatches(class.types, e.Type) {
			continue
		}
		gender := entityGender(e)
		if class.gender != "neutral" && gender != "" && gender != class.gender {
			continue
		}
		compatible = append(compatible, e)
	}
	if len(compatible) == 0 {
		return nil
	}

	type scored struct {
		e     domain.Entity
		score float64
	}
	matches := make([]scored, 0, len(compatible))
	for rank, e := range compatible {
		// Mas cercano entre los candidatos gana; evidencia firme de genero suma.
		score := float64(len(compatible) - rank)
		if class.gender != "neutral" && entityGender(e) == class.gender {
			if _, hasRel := e.Attributes["relationship"]; hasRel {
				score += 0.5
			}
		}
		matches = append(matches, scored{e: e, score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	// Grupo de rango maximo: candidatos a 1.0 o menos del mejor se consideran
	// plausibles por igual. Dos candidatos adyacentes difieren exactamente en
	// 1.0, asi que el corte es inclusivo; resolver ahi seria adivinar.
	best := matches[0].score
	var top []domain.Entity
	for _, m := range matches {
		if best-m.score <= 1.0 {
			top = append(top, m.e)
		}
	}
	return top
}

func typeMatches(allowed []domain.EntityType, t domain.EntityType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func mostRecent(candidates []domain.Entity, window []domain.Entity) domain.Entity {
	for _, w := range window {
		for _, c := range candidates {
			if c.ID == w.ID {
				return c
			}
		}
	}
	return candidates[0]
}

func stripPunct(r rune) rune {
	switch r {
	case '.', ',', '!', '?', ';', ':', '"', '(', ')':
		return ' '
	}
	return r
}
