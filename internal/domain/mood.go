package domain

import "time"

// EmotionEvent es una entrada del anillo de trayectoria emocional.
type EmotionEvent struct {
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"`
	Source    string    `json:"source"` // "user" | "character"
	At        time.Time `json:"at"`
}

// CharacterState es el estado de animo vigente del personaje frente a un
// usuario. Los lectores toleran un valor ligeramente desactualizado.
type CharacterState struct {
	Pair                 Pair              `json:"pair"`
	CurrentMood          string            `json:"current_mood"`
	MoodIntensity        float64           `json:"mood_intensity"` // [0,1]
	EmotionalTrajectory  []EmotionEvent    `json:"emotional_trajectory,omitempty"`
	PersonalityEvolution map[string]string `json:"personality_evolution,omitempty"`
	LastInteraction      time.Time         `json:"last_interaction"`
}

// PushEvent agrega un evento al anillo acotado de trayectoria.
func (s *CharacterState) PushEvent(ev EmotionEvent, limit int) {
	s.EmotionalTrajectory = append(s.EmotionalTrajectory, ev)
	if limit > 0 && len(s.EmotionalTrajectory) > limit {
		s.EmotionalTrajectory = s.EmotionalTrajectory[len(s.EmotionalTrajectory)-limit:]
	}
}
