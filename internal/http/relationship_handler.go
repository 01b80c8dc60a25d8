package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/repository"
	"companion-llm/internal/service"
)

// RelationshipHandler expone el estado del vinculo, el leaderboard y las
// recompensas de rango.
type RelationshipHandler struct {
	logger *zap.Logger
	relSvc *service.RelationshipService
}

func NewRelationshipHandler(logger *zap.Logger, relSvc *service.RelationshipService) *RelationshipHandler {
	return &RelationshipHandler{logger: logger, relSvc: relSvc}
}

// GetRelationship maneja GET /relationship/:user_id/:character_id.
func (h *RelationshipHandler) GetRelationship(c *gin.Context) {
	pair := domain.Pair{
		UserID:      c.Param("user_id"),
		CharacterID: c.Param("character_id"),
	}
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}
	desc, err := h.relSvc.Describe(c.Request.Context(), pair)
	if err != nil {
		h.logger.Error("relationship read failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read relationship"})
		return
	}
	c.JSON(http.StatusOK, desc)
}

// GetLeaderboard maneja GET /leaderboard?character_id=X.
func (h *RelationshipHandler) GetLeaderboard(c *gin.Context) {
	characterID := c.Query("character_id")
	if characterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character_id is required"})
		return
	}
	states, err := h.relSvc.Leaderboard(c.Request.Context(), characterID, 50)
	if err != nil {
		h.logger.Error("leaderboard read failed", zap.String("character", characterID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build leaderboard"})
		return
	}

	entries := make([]gin.H, 0, len(states))
	for i, s := range states {
		entries = append(entries, gin.H{
			"position":     i + 1,
			"user_id":      s.Pair.UserID,
			"level":        s.Level,
			"stage":        domain.StageName(s.Level),
			"time_minutes": s.TimeMinutes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"character_id": characterID, "leaderboard": entries})
}

// ListRewards maneja GET /nft-rewards.
func (h *RelationshipHandler) ListRewards(c *gin.Context) {
	rewards, err := h.relSvc.Rewards(c.Request.Context())
	if err != nil {
		h.logger.Error("rewards read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list rewards"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": rewards, "total": len(rewards)})
}

// SetWallet maneja POST /set-wallet.
func (h *RelationshipHandler) SetWallet(c *gin.Context) {
	var req struct {
		UserID        string `json:"user_id" binding:"required"`
		CharacterID   string `json:"character_id" binding:"required"`
		WalletAddress string `json:"wallet_address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	pair := domain.Pair{UserID: req.UserID, CharacterID: req.CharacterID}
	err := h.relSvc.SetWallet(c.Request.Context(), pair, req.WalletAddress)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reward for this pair"})
		return
	}
	if err != nil {
		h.logger.Error("set wallet failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not set wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
