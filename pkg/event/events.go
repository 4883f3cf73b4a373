package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ConversationTitleChanged = "conversation.titleChanged"
	ConversationUpdated      = "conversation.updated"
	BillingCharged           = "billing.charged"
	ContextCompressed        = "context.compressed"
)

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationTitleChangedEvent is emitted when a title is generated.
type ConversationTitleChangedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

func (e ConversationTitleChangedEvent) EventName() string { return ConversationTitleChanged }
func (e ConversationTitleChangedEvent) EventUser() string { return e.UserID }

// ConversationUpdatedEvent is emitted when a turn is persisted.
type ConversationUpdatedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversationId"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }
func (e ConversationUpdatedEvent) EventUser() string { return e.UserID }

// ============================================================================
// Billing Events
// ============================================================================

// BillingChargedEvent is emitted after usage is charged.
type BillingChargedEvent struct {
	UserID  string  `json:"-"`
	Cost    float64 `json:"cost"`
	Balance float64 `json:"balance"`
}

func (e BillingChargedEvent) EventName() string { return BillingCharged }
func (e BillingChargedEvent) EventUser() string { return e.UserID }

// ============================================================================
// Context Events
// ============================================================================

// ContextCompressedEvent is emitted when a conversation summary is cached.
type ContextCompressedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversationId"`
}

func (e ContextCompressedEvent) EventName() string { return ContextCompressed }
func (e ContextCompressedEvent) EventUser() string { return e.UserID }
