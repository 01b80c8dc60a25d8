package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"companion-llm/internal/domain"
)

func TestRelationshipUpsertRoundTrip(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	if _, err := repo.Get(ctx, pair); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown: err = %v; want ErrNotFound", err)
	}

	state := domain.RelationshipState{
		Pair:              pair,
		Level:             3,
		Conversations:     12,
		TimeMinutes:       45.5,
		EmotionalMoments:  4,
		MemoriesShared:    6,
		ConflictsResolved: 1,
		GrowthEvents:      2,
		TrustLevel:        0.4,
		ConsistencyScore:  0.3,
		AuthenticityScore: 0.8,
		LastInteraction:   baseTime,
		CreatedAt:         baseTime.Add(-24 * time.Hour),
	}
	if err := repo.Upsert(ctx, state); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := repo.Get(ctx, pair)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Level != 3 || got.Conversations != 12 || got.TimeMinutes != 45.5 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.LastInteraction.Equal(baseTime) {
		t.Fatalf("last_interaction = %v; want %v", got.LastInteraction, baseTime)
	}

	// Segundo upsert: actualiza contadores pero preserva created_at original.
	state.Level = 4
	state.LastInteraction = baseTime.Add(time.Hour)
	state.CreatedAt = baseTime.Add(48 * time.Hour)
	if err := repo.Upsert(ctx, state); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, _ = repo.Get(ctx, pair)
	if got.Level != 4 {
		t.Fatalf("level = %d; want 4 after update", got.Level)
	}
	if !got.CreatedAt.Equal(baseTime.Add(-24 * time.Hour)) {
		t.Fatalf("created_at = %v; must keep the original value", got.CreatedAt)
	}
}

func TestRelationshipListByCharacter(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()

	seed := func(userID string, level int, minutes float64) {
		state := domain.RelationshipState{
			Pair:        domain.Pair{CharacterID: "aria", UserID: userID},
			Level:       level,
			TimeMinutes: minutes,
			CreatedAt:   baseTime,
		}
		if err := repo.Upsert(ctx, state); err != nil {
			t.Fatalf("Upsert %s: %v", userID, err)
		}
	}
	seed("casual", 2, 10)
	seed("devoted", 8, 300)
	seed("regular", 5, 60)
	if err := repo.Upsert(ctx, domain.RelationshipState{
		Pair: domain.Pair{CharacterID: "otro", UserID: "x"}, Level: 9,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.ListByCharacter(ctx, "aria", 10)
	if err != nil {
		t.Fatalf("ListByCharacter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d; want 3, scoped to the character", len(got))
	}
	wantOrder := []string{"devoted", "regular", "casual"}
	for i, userID := range wantOrder {
		if got[i].Pair.UserID != userID {
			t.Fatalf("order[%d] = %q; want %q", i, got[i].Pair.UserID, userID)
		}
	}
}

func TestClaimExchangeKeyFirstWins(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	claimed, err := repo.ClaimExchangeKey(ctx, pair, "key-1", baseTime)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v; want true, nil", claimed, err)
	}
	claimed, err = repo.ClaimExchangeKey(ctx, pair, "key-1", baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("replayed key must not be claimable again")
	}

	// Otra clave se reclama normalmente.
	if claimed, _ := repo.ClaimExchangeKey(ctx, pair, "key-2", baseTime); !claimed {
		t.Fatal("distinct key rejected")
	}
}

func TestMomentsInsertAndCount(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	insert := func(id string, at time.Time) {
		moment := domain.EmotionalMoment{
			ID: id, Pair: pair, Emotion: "joy", Intensity: 0.8,
			Excerpt: "we laughed about it", CreatedAt: at,
		}
		if err := repo.InsertMoment(ctx, moment); err != nil {
			t.Fatalf("InsertMoment %s: %v", id, err)
		}
	}
	insert("mo-1", baseTime.Add(-48*time.Hour))
	insert("mo-2", baseTime)
	insert("mo-3", baseTime.Add(time.Hour))
	// Reinsertar el mismo id es inofensivo.
	insert("mo-3", baseTime.Add(2*time.Hour))

	count, err := repo.CountMomentsSince(ctx, pair, baseTime)
	if err != nil {
		t.Fatalf("CountMomentsSince: %v", err)
	}
	// El limite es inclusivo: mo-2 cuenta, mo-1 no.
	if count != 2 {
		t.Fatalf("count = %d; want 2", count)
	}
}

func TestMomentExcerptTruncated(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	moment := domain.EmotionalMoment{
		ID: "mo-long", Pair: pair, Emotion: "joy", Intensity: 0.9,
		Excerpt: strings.Repeat("x", 400), CreatedAt: baseTime,
	}
	if err := repo.InsertMoment(ctx, moment); err != nil {
		t.Fatalf("InsertMoment: %v", err)
	}

	handle, err := repo.store.Shared(ctx)
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	var excerpt string
	if err := handle.QueryRowContext(ctx,
		`SELECT excerpt FROM emotional_moments WHERE id='mo-long'`).Scan(&excerpt); err != nil {
		t.Fatalf("select excerpt: %v", err)
	}
	if len(excerpt) != 200 {
		t.Fatalf("excerpt length = %d; want 200", len(excerpt))
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	if _, err := repo.GetSession(ctx, pair, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession unknown: err = %v; want ErrNotFound", err)
	}

	session := domain.ConversationSession{
		ID: "conv-1", Pair: pair, StartedAt: baseTime,
		LastActivity: baseTime, Exchanges: 1,
	}
	if err := repo.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	session.LastActivity = baseTime.Add(5 * time.Minute)
	session.Exchanges = 3
	if err := repo.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}

	got, err := repo.GetSession(ctx, pair, "conv-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Exchanges != 3 {
		t.Fatalf("exchanges = %d; want 3", got.Exchanges)
	}
	if !got.StartedAt.Equal(baseTime) {
		t.Fatalf("started_at = %v; must keep the original start", got.StartedAt)
	}
	if !got.LastActivity.Equal(baseTime.Add(5 * time.Minute)) {
		t.Fatalf("last_activity = %v; want the update", got.LastActivity)
	}
}

func TestCharacterStateRoundTrip(t *testing.T) {
	repo := NewSqliteRelationshipRepository(newTestStore(t))
	ctx := context.Background()
	pair := testPair()

	if _, err := repo.LoadCharacterState(ctx, pair); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load unknown: err = %v; want ErrNotFound", err)
	}

	first := `{"current_mood":"joy","mood_intensity":0.6}`
	if err := repo.SaveCharacterState(ctx, pair, first, baseTime); err != nil {
		t.Fatalf("SaveCharacterState: %v", err)
	}
	second := `{"current_mood":"calm","mood_intensity":0.3}`
	if err := repo.SaveCharacterState(ctx, pair, second, baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("SaveCharacterState update: %v", err)
	}

	got, err := repo.LoadCharacterState(ctx, pair)
	if err != nil {
		t.Fatalf("LoadCharacterState: %v", err)
	}
	if got != second {
		t.Fatalf("state = %q; want the latest save", got)
	}
}
