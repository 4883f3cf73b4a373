// Compression service for conversation history management
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/choraleia/parley/pkg/config"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino/schema"
)

var ErrNothingToCompress = errors.New("no conversation text to compress")

// CompressionConfig holds configuration for compression
type CompressionConfig struct {
	ThresholdTokens int // Compress when a turn uses more than this
	MaxChars        int // Bounded prefix of the transcript sent for summarizing
}

// DefaultCompressionConfig returns default compression configuration
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		ThresholdTokens: config.DefaultThresholdTokens,
		MaxChars:        config.DefaultMaxChars,
	}
}

// CompressInput is one finished turn.
type CompressInput struct {
	TotalTokens    int
	Messages       []*schema.Message
	ConversationID string
	UserID         string
}

// CompressionService summarizes long conversations into a cached context
// that the next request can use instead of the full history.
type CompressionService struct {
	models  *ModelService
	factory llm.ChatModelFactory
	cache   ContextCache
	config  CompressionConfig
	emitter *event.Emitter
	logger  *slog.Logger
}

// NewCompressionService creates a new compression service
func NewCompressionService(models *ModelService, factory llm.ChatModelFactory, cache ContextCache, cfg CompressionConfig) *CompressionService {
	def := DefaultCompressionConfig()
	if cfg.ThresholdTokens <= 0 {
		cfg.ThresholdTokens = def.ThresholdTokens
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	return &CompressionService{
		models:  models,
		factory: factory,
		cache:   cache,
		config:  cfg,
		emitter: event.Global(),
		logger:  utils.GetLogger(),
	}
}

// SetEmitter replaces the event emitter (tests).
func (s *CompressionService) SetEmitter(e *event.Emitter) {
	if e != nil {
		s.emitter = e
	}
}

// ShouldCompress reports whether a turn's token usage crosses the threshold.
func (s *CompressionService) ShouldCompress(totalTokens int) bool {
	return totalTokens > s.config.ThresholdTokens
}

// MaybeCompress compresses when the turn crossed the threshold. It reports
// whether a summary was written.
func (s *CompressionService) MaybeCompress(ctx context.Context, in CompressInput) (bool, error) {
	if !s.ShouldCompress(in.TotalTokens) {
		return false, nil
	}
	s.logger.Info("Conversation needs compression",
		"conversationID", in.ConversationID,
		"currentTokens", in.TotalTokens,
		"threshold", s.config.ThresholdTokens)

	if err := s.Compress(ctx, in); err != nil {
		return false, err
	}
	return true, nil
}

// Compress summarizes the conversation and overwrites its cache entry.
func (s *CompressionService) Compress(ctx context.Context, in CompressInput) error {
	transcript, count := s.transcript(in.Messages)
	if transcript == "" {
		return ErrNothingToCompress
	}

	m, err := s.models.FirstEnabledModel(ctx, in.UserID)
	if err != nil {
		return fmt.Errorf("pick compression model: %w", err)
	}
	chatModel, err := s.factory.CreateChatModel(ctx, m)
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}

	resp, err := chatModel.Generate(ctx, []*schema.Message{
		schema.UserMessage(summaryPrompt(transcript)),
	})
	if err != nil {
		return fmt.Errorf("LLM generation failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("LLM returned an empty summary")
	}

	entry := &CachedContext{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Summary:        summary,
		SourceMessages: count,
		SourceTokens:   in.TotalTokens,
		ModelID:        m.ID,
		CreatedAt:      time.Now(),
	}
	if err := s.cache.Set(ctx, entry); err != nil {
		return err
	}
	metrics.Compressions.WithLabelValues(s.cache.Name()).Inc()
	s.emitter.Emit(event.ContextCompressedEvent{UserID: in.UserID, ConversationID: in.ConversationID})

	s.logger.Info("Conversation compressed successfully",
		"conversationID", in.ConversationID,
		"messages", count,
		"sourceTokens", in.TotalTokens,
		"summaryTokens", llm.EstimateTokens(summary),
		"cache", s.cache.Name())
	return nil
}

// transcript renders "[role]: text" lines, cut at MaxChars.
func (s *CompressionService) transcript(messages []*schema.Message) (string, int) {
	var b strings.Builder
	count := 0
	for _, msg := range messages {
		if msg == nil || msg.Role == schema.System || msg.Role == schema.Tool {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		line := fmt.Sprintf("[%s]: %s\n\n", msg.Role, content)
		if remaining := s.config.MaxChars - b.Len(); len(line) > remaining {
			if cut := runeCut(line, remaining); cut != "" {
				b.WriteString(cut)
				count++
			}
			break
		}
		b.WriteString(line)
		count++
	}
	return strings.TrimSpace(b.String()), count
}

// runeCut returns the longest prefix of s within n bytes that ends on a rune boundary.
func runeCut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func summaryPrompt(transcript string) string {
	return `Summarize the following conversation so it can replace the full history in a later request.

Requirements:
1. Keep the main topics discussed and the current state of any task
2. Keep every decision made and the reason given
3. Keep factual details: names, numbers, file paths, code identifiers, configuration values
4. Keep preferences or instructions the user stated explicitly
5. Be dense and objective; no preamble

Conversation History:
` + transcript + `

Summary:`
}

// Context returns the cached compressed context, or nil.
func (s *CompressionService) Context(ctx context.Context, conversationID string) (*CachedContext, error) {
	return s.cache.Get(ctx, conversationID)
}

// BuildSummaryContext renders the cached summary as a prompt prefix for the
// history trimming step of the next request. Empty when nothing is cached.
func (s *CompressionService) BuildSummaryContext(ctx context.Context, conversationID string) (string, error) {
	entry, err := s.cache.Get(ctx, conversationID)
	if err != nil || entry == nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("=== CONVERSATION HISTORY SUMMARY ===\n")
	sb.WriteString("The following is a summary of earlier conversation that has been compressed.\n\n")
	sb.WriteString(entry.Summary)
	sb.WriteString("\n=== END OF SUMMARY ===\n")
	sb.WriteString("The following are recent messages:\n")
	return sb.String(), nil
}

// IsContextLengthError checks if error is context length exceeded
func IsContextLengthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "context_length_exceeded") ||
		strings.Contains(errStr, "maximum context length") ||
		strings.Contains(errStr, "token limit") ||
		strings.Contains(errStr, "too many tokens") ||
		strings.Contains(errStr, "context length")
}
