// Database models for chat messages
package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Message is one stored turn leg. Parts hold the ordered typed content.
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index:idx_messages_conv_created,priority:1;size:36;not null"`
	UserID         string `json:"user_id" gorm:"index;size:64"`

	Role  string       `json:"role" gorm:"size:20;not null"` // user, assistant, system
	Parts MessageParts `json:"parts" gorm:"type:text"`

	// Uploaded attachment references (opaque to the core)
	Attachments datatypes.JSON `json:"attachments,omitempty" gorm:"type:text"`

	Deleted   bool      `json:"-" gorm:"index;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_messages_conv_created,priority:2"`

	// Loaded from message_citations, not stored in this table
	Citations []Citation `json:"citations,omitempty" gorm:"-"`
}

func (Message) TableName() string {
	return "messages"
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PartType enumerates the closed set of message part variants.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeFile       PartType = "file"
	PartTypeSourceURL  PartType = "source-url"
)

var ErrInvalidPart = errors.New("invalid message part")

// MessagePart is a tagged union; exactly the field matching Type is set.
type MessagePart struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"` // text, reasoning
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
	File       *FilePart       `json:"file,omitempty"`
	Source     *SourceURLPart  `json:"source,omitempty"`
}

type ToolCallPart struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolResultPart struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

type FilePart struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type SourceURLPart struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Validate checks the variant's required fields.
func (p MessagePart) Validate() error {
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		return nil
	case PartTypeToolCall:
		if p.ToolCall == nil || p.ToolCall.Name == "" {
			return fmt.Errorf("%w: tool-call requires a name", ErrInvalidPart)
		}
	case PartTypeToolResult:
		if p.ToolResult == nil || p.ToolResult.ToolCallID == "" {
			return fmt.Errorf("%w: tool-result requires tool_call_id", ErrInvalidPart)
		}
	case PartTypeFile:
		if p.File == nil || p.File.URL == "" {
			return fmt.Errorf("%w: file requires url", ErrInvalidPart)
		}
	case PartTypeSourceURL:
		if p.Source == nil || p.Source.URL == "" {
			return fmt.Errorf("%w: source-url requires url", ErrInvalidPart)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPart, p.Type)
	}
	return nil
}

// TextPart builds a text part.
func TextPart(text string) MessagePart {
	return MessagePart{Type: PartTypeText, Text: text}
}

// MessageParts is stored as a JSON column.
type MessageParts []MessagePart

// Validate checks every part.
func (p MessageParts) Validate() error {
	for i, part := range p {
		if err := part.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Text concatenates all text parts.
func (p MessageParts) Text() string {
	var result string
	for _, part := range p {
		if part.Type == PartTypeText && part.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += part.Text
		}
	}
	return result
}

// Canonical returns the stable serialized form used for duplicate detection.
func (p MessageParts) Canonical() string {
	if len(p) == 0 {
		return "[]"
	}
	b, err := json.Marshal([]MessagePart(p))
	if err != nil {
		return ""
	}
	return string(b)
}

// Value implements driver.Valuer for database storage
func (p MessageParts) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]MessagePart(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval
func (p *MessageParts) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan message parts: unsupported type %T", value)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(data, (*[]MessagePart)(p))
}

// Citation is the caller-visible source reference. Field names are part of the wire contract.
type Citation struct {
	ID        int    `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// MessageCitation links a citation to an assistant message row.
type MessageCitation struct {
	ID         uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	MessageID  string `json:"message_id" gorm:"index;size:36;not null"`
	Position   int    `json:"position"`
	CitationID int    `json:"citation_id"`
	URL        string `json:"url" gorm:"type:text"`
	Title      string `json:"title" gorm:"size:500"`
	Snippet    string `json:"snippet,omitempty" gorm:"type:text"`
	Thumbnail  string `json:"thumbnail,omitempty" gorm:"type:text"`
}

func (MessageCitation) TableName() string {
	return "message_citations"
}

// ToCitation converts the row back to the wire shape.
func (c *MessageCitation) ToCitation() Citation {
	return Citation{
		ID:        c.CitationID,
		URL:       c.URL,
		Title:     c.Title,
		Snippet:   c.Snippet,
		Thumbnail: c.Thumbnail,
	}
}
