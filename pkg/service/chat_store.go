package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrConversationNotFound = errors.New("conversation not found")

const (
	// assistantOffset orders the assistant reply after the user message
	// created in the same save.
	assistantOffset = time.Millisecond

	titleTimeout         = 30 * time.Second
	maxTitleRunes        = 50
	maxTitleContextBytes = 2000
)

// SaveInput is one finished turn to persist.
type SaveInput struct {
	ConversationID string
	UserID         string
	UserMessage    db.MessageParts
	AssistantText  string
	AssistantParts db.MessageParts // defaults to a single text part
	Citations      []db.Citation
	Attachments    []models.Attachment
}

// SaveResult reports what Save wrote.
type SaveResult struct {
	Saved              bool
	UserMessageID      string
	AssistantMessageID string
	// TitleDone is closed once title generation finishes. Nil when this
	// save did not start one.
	TitleDone <-chan struct{}
}

// TitleGenerator names a conversation from its first exchange.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, userID, userText, assistantText string) (string, error)
}

// ChatStore persists conversations and their messages.
type ChatStore struct {
	db      *gorm.DB
	titles  TitleGenerator
	emitter *event.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func NewChatStore(database *gorm.DB, titles TitleGenerator) *ChatStore {
	return &ChatStore{
		db:      database,
		titles:  titles,
		emitter: event.Global(),
		logger:  utils.GetLogger(),
		now:     time.Now,
	}
}

// SetEmitter replaces the event emitter (tests).
func (s *ChatStore) SetEmitter(e *event.Emitter) {
	if e != nil {
		s.emitter = e
	}
}

// AutoMigrate creates database tables
func (s *ChatStore) AutoMigrate() error {
	return s.db.AutoMigrate(&db.Conversation{}, &db.Message{}, &db.MessageCitation{})
}

// ========== Conversations ==========

// CreateConversation starts an empty conversation for userID.
func (s *ChatStore) CreateConversation(ctx context.Context, userID, title, modelID string) (*db.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = db.DefaultConversationTitle
	}
	conv := &db.Conversation{
		ID:      uuid.New().String(),
		UserID:  userID,
		Title:   title,
		ModelID: modelID,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns the conversation if userID owns it.
func (s *ChatStore) GetConversation(ctx context.Context, id, userID string) (*db.Conversation, error) {
	var conv db.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *ChatStore) ListConversations(ctx context.Context, userID string) ([]db.Conversation, error) {
	var list []db.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("updated_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}

// SoftDeleteConversation hides the conversation and its messages.
func (s *ChatStore) SoftDeleteConversation(ctx context.Context, id, userID string) error {
	if _, err := s.GetConversation(ctx, id, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Conversation{}).Where("id = ?", id).Update("deleted", true).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if err := tx.Model(&db.Message{}).Where("conversation_id = ?", id).Update("deleted", true).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

// ListMessages returns the visible messages in order, citations attached.
func (s *ChatStore) ListMessages(ctx context.Context, conversationID, userID string) ([]db.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	var msgs []db.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND deleted = ?", conversationID, false).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	var rows []db.MessageCitation
	if err := s.db.WithContext(ctx).Where("message_id IN ?", ids).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}
	byMessage := make(map[string][]db.Citation)
	for i := range rows {
		byMessage[rows[i].MessageID] = append(byMessage[rows[i].MessageID], rows[i].ToCitation())
	}
	for i := range msgs {
		msgs[i].Citations = byMessage[msgs[i].ID]
	}
	return msgs, nil
}

// ========== Turn persistence ==========

// Save appends the user message and assistant reply of a finished turn.
// A retry of the turn just saved is detected by content and writes nothing;
// the assistant reply is written only together with its user message.
func (s *ChatStore) Save(ctx context.Context, in SaveInput) (*SaveResult, error) {
	result := &SaveResult{}
	assistantParts := in.AssistantParts
	if len(assistantParts) == 0 {
		assistantParts = db.MessageParts{db.TextPart(in.AssistantText)}
	}
	if err := in.UserMessage.Validate(); err != nil {
		return nil, fmt.Errorf("user message: %w", err)
	}
	if err := assistantParts.Validate(); err != nil {
		return nil, fmt.Errorf("assistant message: %w", err)
	}
	attachments, err := encodeAttachments(in.Attachments)
	if err != nil {
		return nil, err
	}

	var messageCount int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recent, err := latestMessages(tx, in.ConversationID, 2)
		if err != nil {
			return err
		}
		if isDuplicateTurn(recent, in.UserMessage, in.AssistantText) {
			return nil
		}

		userAt := s.now()
		if len(recent) > 0 && !userAt.After(recent[0].CreatedAt) {
			userAt = recent[0].CreatedAt.Add(assistantOffset)
		}

		user := &db.Message{
			ID:             ulid.Make().String(),
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			Role:           db.RoleUser,
			Parts:          in.UserMessage,
			Attachments:    attachments,
			CreatedAt:      userAt,
		}
		assistant := &db.Message{
			ID:             ulid.Make().String(),
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			Role:           db.RoleAssistant,
			Parts:          assistantParts,
			CreatedAt:      userAt.Add(assistantOffset),
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("create user message: %w", err)
		}
		if err := tx.Create(assistant).Error; err != nil {
			return fmt.Errorf("create assistant message: %w", err)
		}

		if len(in.Citations) > 0 {
			rows := make([]db.MessageCitation, len(in.Citations))
			for i, c := range in.Citations {
				rows[i] = db.MessageCitation{
					MessageID:  assistant.ID,
					Position:   i,
					CitationID: c.ID,
					URL:        c.URL,
					Title:      c.Title,
					Snippet:    c.Snippet,
					Thumbnail:  c.Thumbnail,
				}
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("create citations: %w", err)
			}
		}

		if err := tx.Model(&db.Conversation{}).Where("id = ?", in.ConversationID).
			Update("updated_at", assistant.CreatedAt).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if err := tx.Model(&db.Message{}).
			Where("conversation_id = ? AND deleted = ?", in.ConversationID, false).
			Count(&messageCount).Error; err != nil {
			return fmt.Errorf("count messages: %w", err)
		}

		result.Saved = true
		result.UserMessageID = user.ID
		result.AssistantMessageID = assistant.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Saved {
		s.logger.Debug("Skipping duplicate turn", "conversationID", in.ConversationID)
		return result, nil
	}

	s.emitter.Emit(event.ConversationUpdatedEvent{UserID: in.UserID, ConversationID: in.ConversationID})

	if messageCount == 2 {
		done := make(chan struct{})
		result.TitleDone = done
		go func() {
			defer close(done)
			s.generateTitle(in.ConversationID, in.UserID, in.UserMessage.Text(), in.AssistantText)
		}()
	}
	return result, nil
}

// latestMessages returns up to n visible messages, newest first.
func latestMessages(tx *gorm.DB, conversationID string, n int) ([]db.Message, error) {
	var msgs []db.Message
	err := tx.Where("conversation_id = ? AND deleted = ?", conversationID, false).
		Order("created_at DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load latest message: %w", err)
	}
	return msgs, nil
}

// isDuplicateTurn reports whether the incoming turn repeats what was just
// stored: either the latest message is the same user prompt, or the latest
// pair is the same prompt with the same reply.
func isDuplicateTurn(recent []db.Message, userParts db.MessageParts, assistantText string) bool {
	if len(recent) == 0 {
		return false
	}
	latest := recent[0]
	canonical := userParts.Canonical()
	if latest.Role == db.RoleUser {
		return latest.Parts.Canonical() == canonical
	}
	if latest.Role != db.RoleAssistant || len(recent) < 2 {
		return false
	}
	prev := recent[1]
	return prev.Role == db.RoleUser &&
		prev.Parts.Canonical() == canonical &&
		latest.Parts.Text() == assistantText
}

func encodeAttachments(list []models.Attachment) (datatypes.JSON, error) {
	if len(list) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return datatypes.JSON(b), nil
}

// generateTitle runs after the first exchange commits. Failures are logged.
func (s *ChatStore) generateTitle(conversationID, userID, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	var title string
	if s.titles != nil {
		t, err := s.titles.GenerateTitle(ctx, userID, userText, assistantText)
		if err != nil {
			s.logger.Warn("Title generation failed, using fallback", "conversationID", conversationID, "error", err)
		}
		title = cleanTitle(t)
	}
	if title == "" {
		title = HeuristicTitle(userText)
	}

	res := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND (title = ? OR title = '')", conversationID, db.DefaultConversationTitle).
		Update("title", title)
	if res.Error != nil {
		metrics.PostTaskFailures.WithLabelValues("title").Inc()
		s.logger.Error("Failed to update conversation title", "conversationID", conversationID, "error", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	s.emitter.Emit(event.ConversationTitleChangedEvent{UserID: userID, ConversationID: conversationID, Title: title})
}

// HeuristicTitle derives a title from the first line of the prompt.
func HeuristicTitle(userText string) string {
	line := strings.TrimSpace(userText)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return "Untitled Chat"
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i > maxTitleRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}

func cleanTitle(t string) string {
	t = strings.TrimSpace(t)
	t = strings.Trim(t, "\"'`*# ")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if t == db.DefaultConversationTitle {
		return ""
	}
	if utf8.RuneCountInString(t) > maxTitleRunes*2 {
		return HeuristicTitle(t)
	}
	return t
}

// LLMTitleGenerator asks the user's default model for a short title.
type LLMTitleGenerator struct {
	models  *ModelService
	factory llm.ChatModelFactory
}

func NewLLMTitleGenerator(models *ModelService, factory llm.ChatModelFactory) *LLMTitleGenerator {
	return &LLMTitleGenerator{models: models, factory: factory}
}

func (g *LLMTitleGenerator) GenerateTitle(ctx context.Context, userID, userText, assistantText string) (string, error) {
	m, err := g.models.FirstEnabledModel(ctx, userID)
	if err != nil {
		return "", err
	}
	chatModel, err := g.factory.CreateChatModel(ctx, m)
	if err != nil {
		return "", fmt.Errorf("create chat model: %w", err)
	}
	assistantText = runeCut(assistantText, maxTitleContextBytes)
	prompt := "Write a short title (at most six words) for a conversation that starts like this. " +
		"Reply with the title only, no quotes.\n\nUser: " + userText + "\n\nAssistant: " + assistantText
	resp, err := chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return resp.Content, nil
}
