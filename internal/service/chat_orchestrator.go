package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"companion-llm/internal/character"
	"companion-llm/internal/domain"
	"companion-llm/internal/llm"
)

var (
	// ErrBusy indica que ya hay un turno en vuelo para el par.
	ErrBusy = errors.New("pair busy")
	// ErrCharacterNotFound remapea el error del cargador hacia la API.
	ErrCharacterNotFound = errors.New("character not found")
)

// Linea de gracia cuando todo lo demas fallo.
const cannedReply = "I'm here with you. Tell me more, I'm listening."

// Respuesta corta para turnos dentro del intervalo minimo entre intercambios.
const rateLimitedReply = "Give me a moment to take that in. Tell me again in a little bit?"

// OrchestratorConfig son los presupuestos del turno.
type OrchestratorConfig struct {
	TurnTimeout    time.Duration // default 2.5s
	LLMTimeout     time.Duration // default 2s
	PersistGrace   time.Duration // default 500ms
	MaxPromptChars int
	Timezone       string
}

func (c *OrchestratorConfig) fillDefaults() {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2500 * time.Millisecond
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 2 * time.Second
	}
	if c.PersistGrace <= 0 {
		c.PersistGrace = 500 * time.Millisecond
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = 12000
	}
}

// TurnResult es la salida estructurada de un turno de chat.
type TurnResult struct {
	Response              string                  `json:"response"`
	CharacterName         string                  `json:"character_name"`
	Relationship          *domain.ExchangeResult  `json:"relationship,omitempty"`
	Mood                  string                  `json:"mood,omitempty"`
	Bonuses               *domain.ExchangeBonuses `json:"bonuses,omitempty"`
	ClarificationRequired bool                    `json:"clarification_required,omitempty"`
	AmbiguousReferences   []string                `json:"ambiguous_references,omitempty"`
	RateLimited           bool                    `json:"rate_limited,omitempty"`
	Degraded              bool                    `json:"degraded,omitempty"`
}

// ChatOrchestrator es el pipeline de un turno: Preflight → (Mood ∥ Ingest con
// extraccion) → Retrieve → AmbiguityCheck → (Clarify | LLM) → Analyze →
// Persist → Reply, todo bajo el presupuesto de pared del turno.
type ChatOrchestrator struct {
	memorySvc *MemoryService
	entitySvc *EntityService
	relSvc    *RelationshipService
	moodSvc   *MoodService
	loader    character.Loader
	llmClient llm.LLMClient
	prompts   *PromptBuilder
	resolver  PronounResolver
	log       *zap.Logger
	cfg       OrchestratorConfig

	// Un turno pendiente por par como maximo: el exceso se rechaza con Busy en
	// vez de encolarse indefinidamente.
	turnMu sync.Mutex
	inTurn map[string]bool
}

func NewChatOrchestrator(
	memorySvc *MemoryService,
	entitySvc *EntityService,
	relSvc *RelationshipService,
	moodSvc *MoodService,
	loader character.Loader,
	llmClient llm.LLMClient,
	cfg OrchestratorConfig,
	log *zap.Logger,
) *ChatOrchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.fillDefaults()
	return &ChatOrchestrator{
		memorySvc: memorySvc,
		entitySvc: entitySvc,
		relSvc:    relSvc,
		moodSvc:   moodSvc,
		loader:    loader,
		llmClient: llmClient,
		prompts:   NewPromptBuilder(cfg.MaxPromptChars),
		log:       log,
		cfg:       cfg,
	}
}

// acquirePair toma el lock logico del par; false si ya hay un turno en vuelo.
func (o *ChatOrchestrator) acquirePair(key string) bool {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	if o.inTurn == nil {
		o.inTurn = make(map[string]bool)
	}
	if o.inTurn[key] {
		return false
	}
	o.inTurn[key] = true
	return true
}

func (o *ChatOrchestrator) releasePair(key string) {
	o.turnMu.Lock()
	delete(o.inTurn, key)
	o.turnMu.Unlock()
}

// ProcessTurn ejecuta el turno completo para el par. Siempre produce una
// respuesta; las condiciones excepcionales viajan como flags estructurados.
func (o *ChatOrchestrator) ProcessTurn(ctx context.Context, pair domain.Pair, conversationID, message string) (TurnResult, error) {
	if !pair.Valid() || message == "" {
		return TurnResult{}, fmt.Errorf("invalid input: pair and message are required")
	}
	if !o.acquirePair(pair.Key()) {
		return TurnResult{}, ErrBusy
	}
	defer o.releasePair(pair.Key())

	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	// Preflight: el personaje debe existir.
	char, err := o.loader.Load(pair.CharacterID)
	if errors.Is(err, character.ErrNotFound) {
		return TurnResult{}, ErrCharacterNotFound
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("load character: %w", err)
	}

	// Preflight: intervalo minimo entre intercambios. Un turno rate-limited
	// corta antes de armar el prompt o gastar intentos de LLM.
	if o.relSvc.RateLimited(turnCtx, pair) {
		return TurnResult{
			Response:      rateLimitedReply,
			CharacterName: char.Name,
			RateLimited:   true,
		}, nil
	}

	// Mood ∥ ingesta del mensaje del usuario (la ingesta corre la extraccion de
	// entidades por dentro). Ambas completan antes de Retrieve.
	var ingest IngestResult
	g, gctx := errgroup.WithContext(turnCtx)
	g.Go(func() error {
		o.moodSvc.UpdateFromUser(gctx, pair, message)
		return nil
	})
	g.Go(func() error {
		var ingErr error
		ingest, ingErr = o.memorySvc.Ingest(gctx, pair, conversationID, message, domain.MemoryBuffer)
		return ingErr
	})
	if err := g.Wait(); err != nil {
		// La ingesta ya degrada internamente; aca solo puede fallar por cancelacion.
		if turnCtx.Err() != nil {
			return o.deadlineReply(ctx, pair, conversationID, char, message), nil
		}
		o.log.Error("turn pre-stage failed", zap.String("pair", pair.Key()), zap.Error(err))
	}

	// Retrieve: contexto de memoria + ventana de entidades + vinculo.
	bundle := o.memorySvc.GetContext(turnCtx, pair, ContextQuery{
		ConversationID:   conversationID,
		SemanticQuery:    message,
		IncludeEmotional: true,
	})
	_, windowEntities, werr := o.entitySvc.Window(turnCtx, pair, conversationID)
	if werr != nil {
		o.log.Warn("context window unavailable, skipping entity context",
			zap.String("pair", pair.Key()), zap.Error(werr))
		windowEntities = nil
	}
	relState, rerr := o.relSvc.Snapshot(turnCtx, pair)
	if rerr != nil {
		o.log.Warn("relationship read failed", zap.String("pair", pair.Key()), zap.Error(rerr))
		relState = domain.RelationshipState{Pair: pair}
	}

	// AmbiguityCheck: pronombres sin referente claro cortan hacia la rama de
	// clarificacion, sin llamar al LLM ni avanzar contadores.
	resolution := o.resolver.Resolve(message, windowEntities)
	if len(resolution.Ambiguous) > 0 {
		o.relSvc.MinimalAcknowledge(turnCtx, pair)
		return TurnResult{
			Response:              o.prompts.BuildClarification(char, resolution.Ambiguous, windowEntities),
			CharacterName:         char.Name,
			ClarificationRequired: true,
			AmbiguousReferences:   resolution.Ambiguous,
			Degraded:              ingest.Degraded || bundle.Degraded,
		}, nil
	}

	// LLMCall: intento primario con el prompt completo, fallback con el mensaje
	// pelado, y por ultimo la linea enlatada.
	prompt := o.prompts.Build(PromptInput{
		Character:    char,
		Details:      o.memorySvc.PersonalDetails(turnCtx, pair),
		Context:      bundle,
		Mood:         o.moodSvc.Snapshot(pair),
		Relationship: relState,
		Timezone:     o.cfg.Timezone,
		UserMessage:  message,
	})
	response := o.generateWithFallback(turnCtx, prompt, message, pair)

	// Analyze + Persist. Orden garantizado: el mensaje del usuario ya esta
	// persistido (ingesta); la respuesta se persiste despues.
	persistCtx := turnCtx
	if turnCtx.Err() != nil {
		// Deadline o desconexion: ventana corta de gracia para no perder el turno.
		var pcancel context.CancelFunc
		persistCtx, pcancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistGrace)
		defer pcancel()
	}

	o.moodSvc.UpdateFromResponse(persistCtx, pair, response)
	if _, err := o.memorySvc.Ingest(persistCtx, pair, conversationID, response, domain.MemoryResponse); err != nil {
		o.log.Warn("response persist failed", zap.String("pair", pair.Key()), zap.Error(err))
	}

	result := TurnResult{
		Response:      response,
		CharacterName: char.Name,
		Mood:          o.moodSvc.Snapshot(pair).CurrentMood,
		Degraded:      ingest.Degraded || bundle.Degraded,
	}

	exchange, err := o.relSvc.ProcessExchange(persistCtx, pair, conversationID, message, response)
	switch {
	case errors.Is(err, ErrRateLimited):
		result.RateLimited = true
		result.Relationship = &exchange
	case err != nil:
		// El vinculo fallo pero la respuesta sale igual.
		o.log.Warn("relationship update failed", zap.String("pair", pair.Key()), zap.Error(err))
	default:
		result.Relationship = &exchange
		result.Bonuses = &exchange.Bonuses
	}
	return result, nil
}

// generateWithFallback implementa el contrato de dos intentos contra el LLM.
func (o *ChatOrchestrator) generateWithFallback(ctx context.Context, prompt, rawMessage string, pair domain.Pair) string {
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	response, err := o.llmClient.Generate(llmCtx, prompt, pair.UserID)
	if err == nil && response != "" {
		return response
	}
	o.log.Warn("primary llm call failed, retrying with bare message",
		zap.String("pair", pair.Key()), zap.Error(err))

	fbCtx, fbCancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer fbCancel()
	response, err = o.llmClient.Generate(fbCtx, rawMessage, pair.UserID)
	if err == nil && response != "" {
		return response
	}
	o.log.Error("llm fallback failed, using canned reply",
		zap.String("pair", pair.Key()), zap.Error(err))
	return cannedReply
}

// deadlineReply es el corte por presupuesto: respuesta enlatada inmediata y
// persistencia best-effort del mensaje del usuario en la ventana de gracia.
func (o *ChatOrchestrator) deadlineReply(parent context.Context, pair domain.Pair, conversationID string, char domain.CharacterDescriptor, message string) TurnResult {
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.PersistGrace)
	defer cancel()
	if _, err := o.memorySvc.Ingest(graceCtx, pair, conversationID, message, domain.MemoryBuffer); err != nil {
		o.log.Warn("grace persist failed", zap.String("pair", pair.Key()), zap.Error(err))
	}
	return TurnResult{
		Response:      cannedReply,
		CharacterName: char.Name,
		Degraded:      true,
	}
}
