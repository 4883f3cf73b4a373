// Chat HTTP handlers - SSE streaming turns and conversation management
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/service"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/gin-gonic/gin"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
	store       *service.ChatStore
	logger      *slog.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		store:       chatService.Store(),
		logger:      utils.GetLogger(),
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat", h.Chat)
	r.POST("/chat/lite", h.Lite)

	// Conversation management
	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.DELETE("/:id", h.DeleteConversation)

		// Messages
		conversations.GET("/:id/messages", h.GetMessages)
	}
}

// Chat streams one turn as server-sent events.
// POST /api/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = userID(c)

	w := c.Writer
	started := false
	send := func(ev models.StreamEvent) {
		if !started {
			started = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
			c.Status(http.StatusOK)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("Failed to encode stream event", "type", ev.Type, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
	}

	err := h.chatService.Stream(c.Request.Context(), &req, send)
	if !started {
		// Rejected before the stream opened
		if err != nil {
			writeError(c, err)
		}
		return
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	w.Flush()
}

// Lite answers a single prompt without persisting it.
// POST /api/chat/lite
func (h *ChatHandler) Lite(c *gin.Context) {
	var req models.LiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = userID(c)

	resp, err := h.chatService.Complete(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CreateConversation creates a new conversation
// POST /api/conversations
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), userID(c), req.Title, req.ModelID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations lists the caller's conversations
// GET /api/conversations
func (h *ChatHandler) ListConversations(c *gin.Context) {
	conversations, err := h.store.ListConversations(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// GetConversation gets a conversation by ID
// GET /api/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation soft-deletes a conversation and its messages
// DELETE /api/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	if err := h.store.SoftDeleteConversation(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

// GetMessages returns the stored messages with their citations
// GET /api/conversations/:id/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	messages, err := h.store.ListMessages(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}
