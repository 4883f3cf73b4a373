// Compression API handlers
package handler

import (
	"errors"
	"net/http"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/service"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
)

// CompressionHandler handles compression-related API requests
type CompressionHandler struct {
	compressionService *service.CompressionService
	store              *service.ChatStore
}

// NewCompressionHandler creates a new compression handler
func NewCompressionHandler(compressionService *service.CompressionService, store *service.ChatStore) *CompressionHandler {
	return &CompressionHandler{
		compressionService: compressionService,
		store:              store,
	}
}

// RegisterRoutes registers compression routes
func (h *CompressionHandler) RegisterRoutes(r *gin.RouterGroup) {
	// Routes under /api/conversations/:id/
	r.GET("/conversations/:id/context", h.GetContext)
	r.POST("/conversations/:id/compress", h.Compress)
}

// GetContext returns the cached compressed context for a conversation
// GET /api/conversations/:id/context
func (h *CompressionHandler) GetContext(c *gin.Context) {
	conversationID := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), conversationID, userID(c)); err != nil {
		writeError(c, err)
		return
	}

	summary, err := h.compressionService.BuildSummaryContext(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ConversationContextResponse{
		ConversationID: conversationID,
		Summary:        summary,
		Available:      summary != "",
	})
}

// Compress manually summarizes the stored history of a conversation
// POST /api/conversations/:id/compress
func (h *CompressionHandler) Compress(c *gin.Context) {
	conversationID := c.Param("id")
	uid := userID(c)
	stored, err := h.store.ListMessages(c.Request.Context(), conversationID, uid)
	if err != nil {
		writeError(c, err)
		return
	}

	messages := make([]*schema.Message, 0, len(stored))
	total := 0
	for i := range stored {
		text := stored[i].Parts.Text()
		total += llm.EstimateTokens(text)
		switch stored[i].Role {
		case db.RoleUser:
			messages = append(messages, schema.UserMessage(text))
		case db.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(text, nil))
		}
	}

	err = h.compressionService.Compress(c.Request.Context(), service.CompressInput{
		TotalTokens:    total,
		Messages:       messages,
		ConversationID: conversationID,
		UserID:         uid,
	})
	if errors.Is(err, service.ErrNothingToCompress) {
		c.JSON(http.StatusOK, gin.H{
			"message":  "No compression needed",
			"snapshot": nil,
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	snapshot, err := h.compressionService.Context(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Compression completed",
		"snapshot": snapshot,
	})
}
