package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares y rutas del core.
func NewRouter(
	logger *zap.Logger,
	chatH *ChatHandler,
	memoryH *MemoryHandler,
	relH *RelationshipHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.POST("/chat", chatH.PostChat)

	characters := r.Group("/characters")
	characters.GET("/:id/memory-summary/:user_id", memoryH.GetSummary)
	characters.GET("/:id/memories/:user_id", memoryH.ListMemories)
	characters.POST("/:id/memories/:user_id", memoryH.CreateMemory)
	characters.PUT("/:id/memories/:user_id/:memory_id", memoryH.UpdateMemory)
	characters.DELETE("/:id/memories/:user_id/:memory_id", memoryH.DeleteMemory)

	r.GET("/relationship/:user_id/:character_id", relH.GetRelationship)
	r.GET("/leaderboard", relH.GetLeaderboard)
	r.GET("/nft-rewards", relH.ListRewards)
	r.POST("/set-wallet", relH.SetWallet)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
