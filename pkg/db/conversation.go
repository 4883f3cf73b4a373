// Database models for chat conversations
package db

import "time"

// DefaultConversationTitle is the placeholder until a title is generated.
const DefaultConversationTitle = "New Chat"

// Conversation represents a chat conversation owned by a user
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;size:64;not null"`
	Title     string    `json:"title" gorm:"size:200;default:'New Chat'"`
	ModelID   string    `json:"model_id,omitempty" gorm:"size:100"`
	Starred   bool      `json:"starred" gorm:"default:false"`
	Deleted   bool      `json:"-" gorm:"index;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationSnapshot is the SQL-backed compressed context for a conversation.
// One row per conversation; each compression overwrites it.
type ConversationSnapshot struct {
	ConversationID string    `json:"conversation_id" gorm:"primaryKey;size:36"`
	UserID         string    `json:"user_id" gorm:"index;size:64"`
	Summary        string    `json:"summary" gorm:"type:text"`
	SourceMessages int       `json:"source_messages"`
	SourceTokens   int       `json:"source_tokens"`
	ModelID        string    `json:"model_id,omitempty" gorm:"size:100"`
	Valid          bool      `json:"valid"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (ConversationSnapshot) TableName() string {
	return "conversation_snapshots"
}
