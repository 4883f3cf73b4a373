// API types for the chat endpoints
package models

import (
	"time"

	"github.com/choraleia/parley/pkg/db"
)

// ========== Type aliases for database types ==========
// These allow other packages to use models.Message instead of db.Message

type Conversation = db.Conversation
type Message = db.Message
type MessagePart = db.MessagePart
type MessageParts = db.MessageParts
type Citation = db.Citation

// ========== Chat API types ==========

// ChatMessage is one message of the client-held conversation history.
type ChatMessage struct {
	ID    string          `json:"id,omitempty"`
	Role  string          `json:"role"`
	Parts db.MessageParts `json:"parts"`
}

// Text returns the concatenated text parts.
func (m ChatMessage) Text() string {
	return m.Parts.Text()
}

// ChatRequest is the body of POST /api/chat. The last message must be the
// user's new prompt.
type ChatRequest struct {
	ConversationID string        `json:"conversation_id"`
	ModelID        string        `json:"model_id"`
	Messages       []ChatMessage `json:"messages"`
	SystemPrompt   string        `json:"system_prompt,omitempty"`
	WebSearch      bool          `json:"web_search,omitempty"`
	EnableThinking bool          `json:"enable_thinking,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`

	// Set by the handler from the authenticated session
	UserID string `json:"-"`
}

// Attachment references an uploaded file; storage is handled elsewhere.
type Attachment struct {
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// LiteRequest is the body of POST /api/chat/lite.
type LiteRequest struct {
	ModelID      string `json:"model_id"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	WebSearch    bool   `json:"web_search,omitempty"`

	UserID string `json:"-"`
}

// LiteResponse is the non-streamed answer of the lite endpoint.
type LiteResponse struct {
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason"`
	Steps        int            `json:"steps"`
	Usage        FinishMetadata `json:"usage"`
	Citations    []Citation     `json:"citations,omitempty"`
}

// ========== Stream envelope ==========

// Stream event types written to the SSE response
const (
	StreamEventStart          = "start"
	StreamEventTextDelta      = "text-delta"
	StreamEventReasoningDelta = "reasoning-delta"
	StreamEventToolCall       = "tool-call"
	StreamEventToolResult     = "tool-result"
	StreamEventFinish         = "finish"
	StreamEventError          = "error"
)

// StartMetadata is attached to the start of a stream.
type StartMetadata struct {
	CreatedAt  time.Time `json:"createdAt"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	IsFinished bool      `json:"isFinished"`
}

// FinishMetadata is attached to the end of a stream.
type FinishMetadata struct {
	TotalTokens       int        `json:"totalTokens"`
	InputTokens       int        `json:"inputTokens"`
	OutputTokens      int        `json:"outputTokens"`
	ReasoningTokens   int        `json:"reasoningTokens"`
	CachedInputTokens int        `json:"cachedInputTokens"`
	MaxTokens         int        `json:"maxTokens"`
	Citations         []Citation `json:"citations,omitempty"`
	IsFinished        bool       `json:"isFinished"`
}

// StreamEvent is one SSE frame.
type StreamEvent struct {
	Type       string             `json:"type"`
	Delta      string             `json:"delta,omitempty"`
	ToolCall   *db.ToolCallPart   `json:"toolCall,omitempty"`
	ToolResult *db.ToolResultPart `json:"toolResult,omitempty"`
	Metadata   interface{}        `json:"metadata,omitempty"` // StartMetadata or FinishMetadata
	Error      string             `json:"error,omitempty"`
}

// ========== Conversation API types ==========

// CreateConversationRequest represents a request to create a conversation
type CreateConversationRequest struct {
	Title   string `json:"title,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

// ConversationContextResponse carries the cached compressed context.
type ConversationContextResponse struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Available      bool   `json:"available"`
}

// ========== Billing API types ==========

// TopUpRequest adds credits to the caller's balance.
type TopUpRequest struct {
	Amount float64 `json:"amount" binding:"required,gt=0"`
}

// BillingRejection is returned with 402 when the pre-flight check fails.
type BillingRejection struct {
	Error   string          `json:"error"`
	Reason  string          `json:"reason"`
	Billing db.BillingState `json:"billing"`
}
