package service

import "testing"

func TestDetectEmotionsFamilies(t *testing.T) {
	hits := detectEmotions("I'm so happy today, I could laugh and smile all day")
	if hits["joy"] < 3 {
		t.Fatalf("joy hits = %d; want >= 3", hits["joy"])
	}
	if _, ok := hits["sadness"]; ok {
		t.Fatalf("unexpected sadness hits in a joyful message: %v", hits)
	}
}

func TestDetectEmotionsEmpty(t *testing.T) {
	hits := detectEmotions("the meeting is at three on tuesday")
	if len(hits) != 0 {
		t.Fatalf("expected no emotion hits, got %v", hits)
	}
}

func TestDominantEmotionDeterministicTie(t *testing.T) {
	// "happy" (joy) y "sad" (sadness) empatan 1-1; gana el alfabetico menor.
	emotion, intensity := dominantEmotion(map[string]int{"joy": 1, "sadness": 1})
	if emotion != "joy" {
		t.Fatalf("tie break = %q; want joy", emotion)
	}
	if intensity <= 0 || intensity > 1 {
		t.Fatalf("intensity out of range: %f", intensity)
	}
}

func TestDominantEmotionNone(t *testing.T) {
	emotion, intensity := dominantEmotion(nil)
	if emotion != "" || intensity != 0 {
		t.Fatalf("empty hits should yield no emotion, got %q/%f", emotion, intensity)
	}
}

func TestEmotionalValenceSign(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		positive bool
	}{
		{"joyful", "I'm so happy and excited", true},
		{"grieving", "I feel sad and lonely, I want to cry", false},
		{"loving", "I love my family and I trust you", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := emotionalValence(detectEmotions(tt.text))
			if tt.positive && v <= 0 {
				t.Fatalf("valence of %q = %f; want > 0", tt.text, v)
			}
			if !tt.positive && v >= 0 {
				t.Fatalf("valence of %q = %f; want < 0", tt.text, v)
			}
			if v < -1 || v > 1 {
				t.Fatalf("valence out of [-1,1]: %f", v)
			}
		})
	}
}
