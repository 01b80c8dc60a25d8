package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"companion-llm/internal/character"
	"companion-llm/internal/config"
	"companion-llm/internal/db"
	"companion-llm/internal/domain"
	"companion-llm/internal/llm"
	"companion-llm/internal/repository"
	"companion-llm/internal/service"
)

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	pool, err := db.NewPairPool(cfg.DataDir)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	memoryRepo := repository.NewSqliteMemoryRepository(store)
	entityRepo := repository.NewSqliteEntityRepository(store)
	contextRepo := repository.NewSqliteContextWindowRepository(store)
	relRepo := repository.NewSqliteRelationshipRepository(store)
	rewardRepo := repository.NewSqliteRewardRepository(store)

	var llmClient llm.LLMClient
	if cfg.LLMAPIKey != "" {
		llmClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, nil)
	} else {
		fmt.Println("LLM_API_KEY vacio: usando cliente mock (eco).")
		llmClient = &llm.MockClient{GenerateFunc: func(ctx context.Context, prompt, userID string) (string, error) {
			return "(mock) I hear you. Tell me more.", nil
		}}
	}

	entitySvc := service.NewEntityService(entityRepo, contextRepo, logger)
	memorySvc := service.NewMemoryService(memoryRepo, entitySvc, service.MemoryConfig{
		BufferWindow:     cfg.BufferWindow,
		SummaryThreshold: cfg.SummaryThreshold,
		MaintenanceEvery: cfg.MaintenanceEvery,
	}, logger)
	relSvc := service.NewRelationshipService(relRepo, rewardRepo, service.RelationshipConfig{
		// En CLI el intervalo minimo baja a lo testeable.
		MinExchangeInterval: time.Second,
		DailyMomentCap:      cfg.DailyMomentCap,
		RewardCap:           cfg.RewardCap,
	}, logger)
	moodSvc := service.NewMoodService(relRepo, nil, logger)
	memorySvc.SetMoodReader(moodSvc)

	loader := character.NewStaticLoader(domain.CharacterDescriptor{
		ID:   "aria",
		Name: "Aria",
		Persona: map[string]string{
			"style":  "warm, curious, remembers everything you share",
			"voice":  "casual and direct",
			"values": "honesty and genuine connection",
		},
		Greeting:        "Hey! I'm Aria. What's on your mind today?",
		LearningEnabled: true,
	})
	orchestrator := service.NewChatOrchestrator(memorySvc, entitySvc, relSvc, moodSvc, loader, llmClient, service.OrchestratorConfig{
		TurnTimeout:  cfg.TurnTimeout,
		LLMTimeout:   cfg.LLMTimeout,
		PersistGrace: cfg.PersistGrace,
	}, logger)

	fmt.Print("Tu user id (enter para generar uno): ")
	userID, _ := reader.ReadString('\n')
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()[:8]
		fmt.Printf("Usando user id %s\n", userID)
	}

	pair := domain.Pair{CharacterID: "aria", UserID: userID}
	conversationID := uuid.NewString()
	char, _ := loader.Load("aria")
	fmt.Printf("\n%s > %s\n", char.Name, char.Greeting)
	fmt.Println("---- Modo Chat (escribe 'salir' para terminar, '/resumen' para el resumen de memoria) ----")

	for {
		fmt.Print("Tu > ")
		text, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "salir") || strings.EqualFold(text, "exit") {
			fmt.Println("Hasta la proxima.")
			return
		}
		if text == "/resumen" {
			rel, _ := relSvc.Snapshot(ctx, pair)
			fmt.Println(memorySvc.ComprehensiveSummary(ctx, pair, &rel))
			continue
		}

		result, err := orchestrator.ProcessTurn(ctx, pair, conversationID, text)
		if errors.Is(err, service.ErrBusy) {
			fmt.Println("(ocupado, proba de nuevo)")
			continue
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		fmt.Printf("%s > %s\n", result.CharacterName, result.Response)
		if result.ClarificationRequired {
			fmt.Printf("(referencias ambiguas: %s)\n", strings.Join(result.AmbiguousReferences, ", "))
		}
		if result.Relationship != nil && result.Relationship.LevelUp {
			fmt.Printf("(vinculo sube a nivel %d: %s)\n", result.Relationship.NewLevel, result.Relationship.Stage)
			if result.Relationship.Reward != nil {
				fmt.Printf("(recompensa! rango #%d)\n", result.Relationship.Reward.Rank)
			}
		}
	}
}
