package service

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"companion-llm/internal/domain"
)

func testCharacter() domain.CharacterDescriptor {
	return domain.CharacterDescriptor{
		ID:   "aria",
		Name: "Aria",
		Persona: map[string]string{
			"style": "warm and curious",
			"voice": "casual",
		},
	}
}

func TestPromptSectionOrder(t *testing.T) {
	b := NewPromptBuilder(0)
	now := time.Now().UTC()
	prompt := b.Build(PromptInput{
		Character: testCharacter(),
		Details:   domain.PersonalDetails{Name: "Alex"},
		Context: domain.ContextBundle{
			Recent:         []domain.MemoryEntry{{Content: "we talked about hiking", CreatedAt: now}},
			SummaryContext: "earlier we discussed work",
		},
		Mood:         domain.CharacterState{CurrentMood: "joy", MoodIntensity: 0.6},
		Relationship: domain.RelationshipState{Level: 4},
		UserMessage:  "how are you today?",
	})

	markers := []string{
		"You are Aria.",
		"=== ABOUT THE USER",
		"Your name is Alex",
		"=== MEMORY CONTEXT ===",
		"we talked about hiking",
		"Your current mood toward this user: joy",
		"Relationship stage: Friend (level 4)",
		"=== USER MESSAGE ===",
		"how are you today?",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(prompt, m)
		if idx < 0 {
			t.Fatalf("marker %q missing in prompt:\n%s", m, prompt)
		}
		if idx < last {
			t.Fatalf("marker %q out of order", m)
		}
		last = idx
	}
}

func TestPromptPersonaFieldsSorted(t *testing.T) {
	b := NewPromptBuilder(0)
	prompt := b.Build(PromptInput{Character: testCharacter(), UserMessage: "hi"})
	if strings.Index(prompt, "Style: warm and curious") > strings.Index(prompt, "Voice: casual") {
		t.Fatalf("persona fields not in sorted order:\n%s", prompt)
	}
}

func TestPromptBudgetDropsOldestMemoriesFirst(t *testing.T) {
	b := NewPromptBuilder(3000)
	now := time.Now().UTC()
	var recent []domain.MemoryEntry
	for i := 0; i < 30; i++ {
		recent = append(recent, domain.MemoryEntry{
			Content:   fmt.Sprintf("memory %02d %s", i, strings.Repeat("padding ", 15)),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}
	prompt := b.Build(PromptInput{
		Character:   testCharacter(),
		Context:     domain.ContextBundle{Recent: recent},
		UserMessage: "hello",
	})

	if !strings.Contains(prompt, "memory 29") {
		t.Fatal("newest memory must survive truncation")
	}
	if strings.Contains(prompt, "memory 00") {
		t.Fatal("oldest memory should be dropped first under budget pressure")
	}
	if len(prompt) > 3000+500 {
		t.Fatalf("prompt length %d far exceeds budget", len(prompt))
	}
}

func TestPromptBiographyGating(t *testing.T) {
	char := testCharacter()
	char.Biography = "Born in a small coastal town."
	b := NewPromptBuilder(0)

	// Sin marca historica ni disparador: la biografia no entra.
	plain := b.Build(PromptInput{Character: char, UserMessage: "what should I cook tonight?"})
	if strings.Contains(plain, "=== BACKGROUND ===") {
		t.Fatal("biography leaked into an unrelated prompt")
	}

	// El mensaje pregunta por la vida del personaje: entra.
	asked := b.Build(PromptInput{Character: char, UserMessage: "tell me about yourself"})
	if !strings.Contains(asked, "Born in a small coastal town.") {
		t.Fatal("biography missing when the user asks for it")
	}

	// Personaje historico: siempre entra.
	char.Historical = true
	historical := b.Build(PromptInput{Character: char, UserMessage: "what should I cook tonight?"})
	if !strings.Contains(historical, "=== BACKGROUND ===") {
		t.Fatal("historical character must always carry its biography")
	}
}

func TestPromptCompressedMemoriesMarkedOlder(t *testing.T) {
	b := NewPromptBuilder(0)
	prompt := b.Build(PromptInput{
		Character: testCharacter(),
		Context: domain.ContextBundle{
			Important: []domain.MemoryEntry{
				{Content: "full text", MemoryType: domain.MemoryArchived, Importance: 0.9},
				{
					Content:           "long original",
					CompressedContent: "short form",
					ArchiveStatus:     domain.ArchiveCompressed,
					MemoryType:        domain.MemoryArchived,
				},
			},
		},
		UserMessage: "hi",
	})
	if !strings.Contains(prompt, "[important] full text") {
		t.Fatalf("active important memory not labeled:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[older] short form") {
		t.Fatalf("compressed memory should surface its short form with the [older] label:\n%s", prompt)
	}
	if strings.Contains(prompt, "long original") {
		t.Fatal("compressed memory leaked its full content")
	}
}

func TestBuildClarification(t *testing.T) {
	b := NewPromptBuilder(0)
	char := testCharacter()
	candidates := []domain.Entity{
		{Name: "Claire", Type: domain.EntityPerson},
		{Name: "Eloise", Type: domain.EntityPerson},
	}
	got := b.BuildClarification(char, []string{"she"}, candidates)
	if !strings.Contains(got, `"she"`) {
		t.Fatalf("clarification does not quote the pronoun: %q", got)
	}
	if !strings.Contains(got, "Claire") || !strings.Contains(got, "Eloise") {
		t.Fatalf("clarification does not offer the candidates: %q", got)
	}

	solo := b.BuildClarification(char, []string{"he"}, nil)
	if !strings.Contains(solo, `"he"`) || !strings.Contains(solo, "who do you mean") {
		t.Fatalf("single-candidate clarification = %q", solo)
	}
}
