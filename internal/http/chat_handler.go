package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"companion-llm/internal/domain"
	"companion-llm/internal/service"
)

// ChatHandler expone el turno de chat del orquestador.
type ChatHandler struct {
	logger       *zap.Logger
	orchestrator *service.ChatOrchestrator
}

func NewChatHandler(logger *zap.Logger, orchestrator *service.ChatOrchestrator) *ChatHandler {
	return &ChatHandler{logger: logger, orchestrator: orchestrator}
}

// PostChat maneja POST /chat.
func (h *ChatHandler) PostChat(c *gin.Context) {
	var req struct {
		CharacterID    string `json:"character_id" binding:"required"`
		UserID         string `json:"user_id" binding:"required"`
		Message        string `json:"message" binding:"required"`
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid chat request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	pair := domain.Pair{CharacterID: req.CharacterID, UserID: req.UserID}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = pair.Key()
	}

	result, err := h.orchestrator.ProcessTurn(c.Request.Context(), pair, conversationID, req.Message)
	switch {
	case errors.Is(err, service.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "busy", "detail": "a turn is already in flight for this pair"})
		return
	case errors.Is(err, service.ErrCharacterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	case err != nil:
		h.logger.Error("chat turn failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not process message"})
		return
	}

	c.JSON(http.StatusOK, result)
}
