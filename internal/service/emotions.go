package service

import "strings"

// Diez familias de emociones con sus palabras clave. Compartidas por el motor
// de memoria (valencia), el de vinculo (score emocional) y el de animo.
var emotionFamilies = map[string][]string{
	"joy":       {"happy", "joy", "excited", "glad", "delighted", "fun", "laugh", "smile", "awesome", "wonderful"},
	"sadness":   {"sad", "unhappy", "depressed", "down", "miserable", "cry", "crying", "lonely", "grief", "heartbroken"},
	"anger":     {"angry", "mad", "furious", "annoyed", "irritated", "rage", "hate", "frustrated"},
	"fear":      {"afraid", "scared", "anxious", "worried", "nervous", "terrified", "panic", "dread"},
	"surprise":  {"surprised", "shocked", "amazed", "astonished", "unexpected", "wow"},
	"love":      {"love", "adore", "cherish", "affection", "darling", "beloved", "care about"},
	"trust":     {"trust", "rely", "depend", "believe in", "count on", "faith"},
	"gratitude": {"thank", "thanks", "grateful", "appreciate", "thankful"},
	"hope":      {"hope", "hopeful", "optimistic", "looking forward", "wish", "dream"},
	"empathy":   {"understand", "feel for", "sorry for", "compassion", "sympathize", "there for you"},
}

// Valencia por familia para calcular emotional_valence en [-1,1].
var emotionValence = map[string]float64{
	"joy": 0.8, "sadness": -0.7, "anger": -0.8, "fear": -0.6, "surprise": 0.2,
	"love": 0.9, "trust": 0.6, "gratitude": 0.7, "hope": 0.6, "empathy": 0.5,
}

// detectEmotions devuelve hits por familia dentro del texto.
func detectEmotions(text string) map[string]int {
	lower := strings.ToLower(text)
	hits := make(map[string]int)
	for family, words := range emotionFamilies {
		for _, w := range words {
			hits[family] += strings.Count(lower, w)
		}
	}
	for family, n := range hits {
		if n == 0 {
			delete(hits, family)
		}
	}
	return hits
}

// dominantEmotion devuelve la familia con mas hits y su intensidad normalizada.
// Empates resueltos por orden alfabetico para mantener determinismo.
func dominantEmotion(hits map[string]int) (string, float64) {
	best := ""
	bestN := 0
	for family, n := range hits {
		if n > bestN || (n == bestN && n > 0 && (best == "" || family < best)) {
			best = family
			bestN = n
		}
	}
	if best == "" {
		return "", 0
	}
	intensity := float64(bestN) * 0.34
	if intensity > 1 {
		intensity = 1
	}
	return best, intensity
}

// emotionalValence estima la valencia agregada del texto.
func emotionalValence(hits map[string]int) float64 {
	if len(hits) == 0 {
		return 0
	}
	var sum float64
	var total int
	for family, n := range hits {
		sum += emotionValence[family] * float64(n)
		total += n
	}
	if total == 0 {
		return 0
	}
	v := sum / float64(total)
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return v
}
