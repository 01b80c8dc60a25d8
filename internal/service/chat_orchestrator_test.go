package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"companion-llm/internal/character"
	"companion-llm/internal/domain"
	"companion-llm/internal/llm"
)

type orchestratorFixture struct {
	orch      *ChatOrchestrator
	memRepo   *mockMemoryRepo
	entRepo   *mockEntityRepo
	ctxRepo   *mockContextRepo
	relRepo   *mockRelationshipRepo
	memorySvc *MemoryService
	relSvc    *RelationshipService
}

func newOrchestratorFixture(llmClient llm.LLMClient, relCfg RelationshipConfig) *orchestratorFixture {
	memRepo := newMockMemoryRepo()
	entRepo := newMockEntityRepo()
	ctxRepo := newMockContextRepo()
	relRepo := newMockRelationshipRepo()

	entitySvc := NewEntityService(entRepo, ctxRepo, nil)
	memorySvc := NewMemoryService(memRepo, entitySvc, MemoryConfig{}, nil)
	relSvc := NewRelationshipService(relRepo, &mockRewardRepo{}, relCfg, nil)
	moodSvc := NewMoodService(relRepo, nil, nil)
	memorySvc.SetMoodReader(moodSvc)

	loader := character.NewStaticLoader(domain.CharacterDescriptor{
		ID:      "aria",
		Name:    "Aria",
		Persona: map[string]string{"style": "warm"},
	})
	orch := NewChatOrchestrator(memorySvc, entitySvc, relSvc, moodSvc, loader, llmClient, OrchestratorConfig{}, nil)
	return &orchestratorFixture{
		orch: orch, memRepo: memRepo, entRepo: entRepo, ctxRepo: ctxRepo,
		relRepo: relRepo, memorySvc: memorySvc, relSvc: relSvc,
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	mock := &llm.MockClient{Response: "Nice to meet you, Alex!"}
	fx := newOrchestratorFixture(mock, RelationshipConfig{MinExchangeInterval: time.Nanosecond})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}
	ctx := context.Background()

	result, err := fx.orch.ProcessTurn(ctx, pair, "conv-1", "Hi, I'm Alex, 31, I live in Berlin")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if result.Response != "Nice to meet you, Alex!" {
		t.Fatalf("response = %q", result.Response)
	}
	if result.CharacterName != "Aria" {
		t.Fatalf("character = %q; want Aria", result.CharacterName)
	}
	if result.Relationship == nil {
		t.Fatal("relationship result missing")
	}
	if result.ClarificationRequired || result.Degraded || result.RateLimited {
		t.Fatalf("unexpected flags on clean turn: %+v", result)
	}

	// Mensaje del usuario y respuesta quedan persistidos.
	userMsgs, _ := fx.memRepo.CountByType(ctx, pair, domain.MemoryBuffer)
	responses, _ := fx.memRepo.CountByType(ctx, pair, domain.MemoryResponse)
	if userMsgs != 1 || responses != 1 {
		t.Fatalf("persisted buffer=%d responses=%d; want 1 and 1", userMsgs, responses)
	}

	// La ingesta corrio la extraccion: Alex (persona, con edad) y Berlin (lugar).
	alex, err := fx.entRepo.GetByNormalizedName(ctx, pair, domain.EntityPerson, "Alex")
	if err != nil {
		t.Fatalf("Alex not extracted: %v", err)
	}
	if alex.Attributes["age"] != "31" {
		t.Fatalf("alex attributes = %v; want age 31", alex.Attributes)
	}
	if _, err := fx.entRepo.GetByNormalizedName(ctx, pair, domain.EntityPlace, "Berlin"); err != nil {
		t.Fatalf("Berlin not extracted: %v", err)
	}
}

func TestProcessTurnValidation(t *testing.T) {
	fx := newOrchestratorFixture(&llm.MockClient{Response: "hi"}, RelationshipConfig{})
	ctx := context.Background()

	if _, err := fx.orch.ProcessTurn(ctx, domain.Pair{}, "conv-1", "hello"); err == nil {
		t.Fatal("empty pair must be rejected")
	}
	if _, err := fx.orch.ProcessTurn(ctx, domain.Pair{CharacterID: "aria", UserID: "u1"}, "conv-1", ""); err == nil {
		t.Fatal("empty message must be rejected")
	}
}

func TestProcessTurnUnknownCharacter(t *testing.T) {
	fx := newOrchestratorFixture(&llm.MockClient{Response: "hi"}, RelationshipConfig{})
	_, err := fx.orch.ProcessTurn(context.Background(), domain.Pair{CharacterID: "ghost", UserID: "u1"}, "conv-1", "hello")
	if !errors.Is(err, ErrCharacterNotFound) {
		t.Fatalf("err = %v; want ErrCharacterNotFound", err)
	}
}

func TestProcessTurnBusyPair(t *testing.T) {
	fx := newOrchestratorFixture(&llm.MockClient{Response: "hi"}, RelationshipConfig{})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}

	if !fx.orch.acquirePair(pair.Key()) {
		t.Fatal("fixture could not take the pair lock")
	}
	defer fx.orch.releasePair(pair.Key())

	_, err := fx.orch.ProcessTurn(context.Background(), pair, "conv-1", "hello")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v; want ErrBusy", err)
	}

	// Otro par no queda bloqueado por el turno en vuelo.
	other := domain.Pair{CharacterID: "aria", UserID: "u2"}
	if _, err := fx.orch.ProcessTurn(context.Background(), other, "conv-2", "hello"); err != nil {
		t.Fatalf("independent pair rejected: %v", err)
	}
}

func TestProcessTurnLLMFallbackToBareMessage(t *testing.T) {
	calls := 0
	mock := &llm.MockClient{GenerateFunc: func(_ context.Context, prompt, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("model overloaded")
		}
		return "fallback worked", nil
	}}
	fx := newOrchestratorFixture(mock, RelationshipConfig{MinExchangeInterval: time.Nanosecond})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}

	result, err := fx.orch.ProcessTurn(context.Background(), pair, "conv-1", "how was your day?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if result.Response != "fallback worked" {
		t.Fatalf("response = %q; want the fallback output", result.Response)
	}
	if calls != 2 {
		t.Fatalf("llm calls = %d; want 2", calls)
	}
	// El segundo intento va con el mensaje pelado, sin prompt armado.
	if mock.Prompts[1] != "how was your day?" {
		t.Fatalf("fallback prompt = %q; want the raw message", mock.Prompts[1])
	}
}

func TestProcessTurnCannedReplyWhenLLMDead(t *testing.T) {
	mock := &llm.MockClient{Err: errors.New("connection refused")}
	fx := newOrchestratorFixture(mock, RelationshipConfig{MinExchangeInterval: time.Nanosecond})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}

	result, err := fx.orch.ProcessTurn(context.Background(), pair, "conv-1", "hello?")
	if err != nil {
		t.Fatalf("a dead LLM must not fail the turn: %v", err)
	}
	if result.Response != cannedReply {
		t.Fatalf("response = %q; want canned reply", result.Response)
	}
	if mock.Calls != 2 {
		t.Fatalf("llm calls = %d; want both attempts", mock.Calls)
	}
}

func TestProcessTurnClarificationBranch(t *testing.T) {
	mock := &llm.MockClient{Response: "should not be called"}
	fx := newOrchestratorFixture(mock, RelationshipConfig{})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}
	ctx := context.Background()

	// Dos personas femeninas de rango equivalente en la ventana de contexto.
	claire := domain.Entity{
		ID: domain.EntityID(pair.UserID, domain.EntityPerson, "Claire"),
		UserID: pair.UserID, Name: "Claire", Type: domain.EntityPerson, MentionCount: 1,
	}
	eloise := domain.Entity{
		ID: domain.EntityID(pair.UserID, domain.EntityPerson, "Eloise"),
		UserID: pair.UserID, Name: "Eloise", Type: domain.EntityPerson, MentionCount: 1,
		Attributes: map[string]string{"relationship": "sister"},
	}
	fx.entRepo.Upsert(ctx, pair, claire)
	fx.entRepo.Upsert(ctx, pair, eloise)
	fx.ctxRepo.Save(ctx, pair, domain.ContextWindow{
		ConversationID: "conv-1",
		EntityIDs:      []string{claire.ID, eloise.ID},
	})

	result, err := fx.orch.ProcessTurn(ctx, pair, "conv-1", "How is she doing?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !result.ClarificationRequired {
		t.Fatalf("expected clarification, got %+v", result)
	}
	if len(result.AmbiguousReferences) != 1 || result.AmbiguousReferences[0] != "she" {
		t.Fatalf("ambiguous = %v; want [she]", result.AmbiguousReferences)
	}
	if mock.Calls != 0 {
		t.Fatalf("llm called %d times on the clarification branch; want 0", mock.Calls)
	}

	// Reconocimiento minimo: toca la interaccion, no avanza contadores.
	state, err := fx.relRepo.Get(ctx, pair)
	if err != nil {
		t.Fatalf("minimal acknowledge not persisted: %v", err)
	}
	if state.Conversations != 0 {
		t.Fatalf("clarification advanced conversations: %d", state.Conversations)
	}
	if state.LastInteraction.IsZero() {
		t.Fatal("clarification should still register the interaction")
	}
}

func TestProcessTurnRateLimitedFlag(t *testing.T) {
	mock := &llm.MockClient{Response: "hello again"}
	fx := newOrchestratorFixture(mock, RelationshipConfig{MinExchangeInterval: time.Hour})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}
	ctx := context.Background()

	if _, err := fx.orch.ProcessTurn(ctx, pair, "conv-1", "first message of the day"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	callsAfterFirst := mock.Calls

	result, err := fx.orch.ProcessTurn(ctx, pair, "conv-1", "second message right away")
	if err != nil {
		t.Fatalf("rate-limited turn must still answer: %v", err)
	}
	if !result.RateLimited {
		t.Fatal("expected RateLimited flag on the second turn")
	}
	if result.Response == "" {
		t.Fatal("rate-limited turn must still carry a response")
	}
	// El corte es en preflight: sin prompt y sin gastar intentos de LLM.
	if mock.Calls != callsAfterFirst {
		t.Fatalf("llm calls = %d; want %d, a rate-limited turn must not reach the LLM", mock.Calls, callsAfterFirst)
	}
	state, err := fx.relRepo.Get(ctx, pair)
	if err != nil {
		t.Fatalf("relationship state missing: %v", err)
	}
	if state.Conversations != 1 {
		t.Fatalf("conversations = %d; rate-limited turn must not advance counters", state.Conversations)
	}
}

func TestProcessTurnFamilyIntroThenAmbiguousPronoun(t *testing.T) {
	mock := &llm.MockClient{Response: "How wonderful that they live by the sea!"}
	fx := newOrchestratorFixture(mock, RelationshipConfig{MinExchangeInterval: time.Nanosecond})
	pair := domain.Pair{CharacterID: "aria", UserID: "u1"}
	ctx := context.Background()

	if _, err := fx.orch.ProcessTurn(ctx, pair, "conv-1",
		"My sister Eloise lives in Brighton with her partner Claire."); err != nil {
		t.Fatalf("intro turn: %v", err)
	}

	// La extraccion dejo exactamente a las dos personas y el lugar.
	eloise, err := fx.entRepo.GetByNormalizedName(ctx, pair, domain.EntityPerson, "Eloise")
	if err != nil {
		t.Fatalf("Eloise not extracted: %v", err)
	}
	if eloise.Attributes["relationship"] != "sister" {
		t.Fatalf("eloise attributes = %v; want relationship sister", eloise.Attributes)
	}
	claire, err := fx.entRepo.GetByNormalizedName(ctx, pair, domain.EntityPerson, "Claire")
	if err != nil {
		t.Fatalf("Claire not extracted: %v", err)
	}
	if claire.Attributes["relationship"] != "partner" {
		t.Fatalf("claire attributes = %v; want relationship partner", claire.Attributes)
	}
	if _, err := fx.entRepo.GetByNormalizedName(ctx, pair, domain.EntityPlace, "Brighton"); err != nil {
		t.Fatalf("Brighton not extracted: %v", err)
	}

	// "she" aplica por igual a la hermana y a la pareja: clarificacion, sin LLM.
	callsBefore := mock.Calls
	stateBefore, _ := fx.relRepo.Get(ctx, pair)
	result, err := fx.orch.ProcessTurn(ctx, pair, "conv-1", "How is she doing?")
	if err != nil {
		t.Fatalf("pronoun turn: %v", err)
	}
	if !result.ClarificationRequired {
		t.Fatalf("expected clarification, got %+v", result)
	}
	if len(result.AmbiguousReferences) != 1 || result.AmbiguousReferences[0] != "she" {
		t.Fatalf("ambiguous = %v; want [she]", result.AmbiguousReferences)
	}
	if mock.Calls != callsBefore {
		t.Fatalf("llm calls = %d; want %d, clarification must not reach the LLM", mock.Calls, callsBefore)
	}
	stateAfter, _ := fx.relRepo.Get(ctx, pair)
	if stateAfter.Conversations != stateBefore.Conversations {
		t.Fatalf("clarification advanced conversations: %d -> %d",
			stateBefore.Conversations, stateAfter.Conversations)
	}
}
