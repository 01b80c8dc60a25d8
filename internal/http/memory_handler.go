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

// MemoryHandler expone el CRUD de memorias y el resumen comprensivo.
type MemoryHandler struct {
	logger    *zap.Logger
	memorySvc *service.MemoryService
	relSvc    *service.RelationshipService
}

func NewMemoryHandler(logger *zap.Logger, memorySvc *service.MemoryService, relSvc *service.RelationshipService) *MemoryHandler {
	return &MemoryHandler{logger: logger, memorySvc: memorySvc, relSvc: relSvc}
}

func pairFromPath(c *gin.Context) domain.Pair {
	return domain.Pair{
		CharacterID: c.Param("id"),
		UserID:      c.Param("user_id"),
	}
}

// GetSummary maneja GET /characters/:id/memory-summary/:user_id.
func (h *MemoryHandler) GetSummary(c *gin.Context) {
	pair := pairFromPath(c)
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}

	var rel *domain.RelationshipState
	if state, err := h.relSvc.Snapshot(c.Request.Context(), pair); err == nil {
		rel = &state
	}
	summary := h.memorySvc.ComprehensiveSummary(c.Request.Context(), pair, rel)
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// ListMemories maneja GET /characters/:id/memories/:user_id. Acepta ?q= para
// busqueda textual.
func (h *MemoryHandler) ListMemories(c *gin.Context) {
	pair := pairFromPath(c)
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}

	var (
		memories []domain.MemoryEntry
		err      error
	)
	if q := c.Query("q"); q != "" {
		memories, err = h.memorySvc.SearchText(c.Request.Context(), pair, q, 50)
	} else {
		memories, err = h.memorySvc.List(c.Request.Context(), pair)
	}
	if err != nil {
		h.logger.Error("list memories failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list memories"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

// CreateMemory maneja POST /characters/:id/memories/:user_id.
func (h *MemoryHandler) CreateMemory(c *gin.Context) {
	pair := pairFromPath(c)
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}
	var req struct {
		Content        string `json:"content" binding:"required"`
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.memorySvc.Ingest(c.Request.Context(), pair, req.ConversationID, req.Content, domain.MemoryBuffer)
	if err != nil {
		h.logger.Error("create memory failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create memory"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"memory": result.Entry, "degraded": result.Degraded})
}

// UpdateMemory maneja PUT /characters/:id/memories/:user_id/:memory_id.
func (h *MemoryHandler) UpdateMemory(c *gin.Context) {
	pair := pairFromPath(c)
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	memory, err := h.memorySvc.UpdateContent(c.Request.Context(), pair, c.Param("memory_id"), req.Content)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	if err != nil {
		h.logger.Error("update memory failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update memory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memory": memory})
}

// DeleteMemory maneja DELETE /characters/:id/memories/:user_id/:memory_id.
func (h *MemoryHandler) DeleteMemory(c *gin.Context) {
	pair := pairFromPath(c)
	if !pair.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair"})
		return
	}
	err := h.memorySvc.Delete(c.Request.Context(), pair, c.Param("memory_id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	if err != nil {
		h.logger.Error("delete memory failed", zap.String("pair", pair.Key()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete memory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
