package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/config"
	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRequest = errors.New("invalid chat request")
	ErrNoMessages     = errors.New("no messages provided")
)

// BillingRejectedError is returned before any model call when the
// pre-flight billing check fails.
type BillingRejectedError struct {
	Reason string
	State  db.BillingState
}

func (e *BillingRejectedError) Error() string {
	return "billing check failed: " + e.Reason
}

// ChatConfig bounds the step loop per endpoint.
type ChatConfig struct {
	MaxSteps     int
	LiteMaxSteps int
	Timeout      time.Duration
	LiteTimeout  time.Duration
}

// ChatConfigFrom reads the chat limits from the app config.
func ChatConfigFrom(cfg *config.AppConfig) ChatConfig {
	return ChatConfig{
		MaxSteps:     cfg.MaxSteps(),
		LiteMaxSteps: cfg.LiteMaxSteps(),
		Timeout:      cfg.ChatTimeout(),
		LiteTimeout:  cfg.LiteTimeout(),
	}
}

func (c ChatConfig) withDefaults() ChatConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = config.DefaultMaxSteps
	}
	if c.LiteMaxSteps <= 0 {
		c.LiteMaxSteps = config.DefaultLiteMaxSteps
	}
	if c.Timeout <= 0 {
		c.Timeout = config.DefaultTimeoutSeconds * time.Second
	}
	if c.LiteTimeout <= 0 {
		c.LiteTimeout = config.DefaultLiteTimeoutSeconds * time.Second
	}
	return c
}

// PostTasks tracks the best-effort work that runs after a stream finished.
type PostTasks struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewPostTasks() *PostTasks {
	return &PostTasks{logger: utils.GetLogger()}
}

// Run starts fns concurrently in the background. A failing task is logged
// and counted; it never affects the others.
func (p *PostTasks) Run(ctx context.Context, tasks map[string]func(context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var g errgroup.Group
		for name, fn := range tasks {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						metrics.PostTaskFailures.WithLabelValues(name).Inc()
						p.logger.Error("Post task panicked", "task", name, "panic", r)
					}
				}()
				if err := fn(ctx); err != nil {
					metrics.PostTaskFailures.WithLabelValues(name).Inc()
					p.logger.Error("Post task failed", "task", name, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Wait blocks until every started task has returned.
func (p *PostTasks) Wait() {
	p.wg.Wait()
}

// ChatService runs chat turns: checks, orchestration, then persistence,
// billing and compression in the background.
type ChatService struct {
	store       *ChatStore
	models      *ModelService
	factory     llm.ChatModelFactory
	gate        *billing.Gate
	registry    *tools.Registry
	compression *CompressionService
	config      ChatConfig
	post        *PostTasks
	logger      *slog.Logger
}

func NewChatService(
	store *ChatStore,
	models *ModelService,
	factory llm.ChatModelFactory,
	gate *billing.Gate,
	registry *tools.Registry,
	compression *CompressionService,
	cfg ChatConfig,
) *ChatService {
	return &ChatService{
		store:       store,
		models:      models,
		factory:     factory,
		gate:        gate,
		registry:    registry,
		compression: compression,
		config:      cfg.withDefaults(),
		post:        NewPostTasks(),
		logger:      utils.GetLogger(),
	}
}

// PostTasks exposes the background task tracker for shutdown and tests.
func (s *ChatService) PostTasks() *PostTasks {
	return s.post
}

// Store returns the conversation store.
func (s *ChatService) Store() *ChatStore {
	return s.store
}

func validateChatRequest(req *models.ChatRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range req.Messages {
		switch m.Role {
		case db.RoleUser, db.RoleAssistant, db.RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRequest, i, m.Role)
		}
		if err := m.Parts.Validate(); err != nil {
			return fmt.Errorf("%w: message %d: %v", ErrInvalidRequest, i, err)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != db.RoleUser {
		return fmt.Errorf("%w: last message must be from the user", ErrInvalidRequest)
	}
	if strings.TrimSpace(last.Text()) == "" && len(req.Attachments) == 0 {
		return fmt.Errorf("%w: last message is empty", ErrInvalidRequest)
	}
	return nil
}

// toSchemaMessages converts the client history into model input.
func toSchemaMessages(history []models.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case db.RoleUser:
			out = append(out, schema.UserMessage(text))
		case db.RoleAssistant:
			out = append(out, schema.AssistantMessage(text, nil))
		case db.RoleSystem:
			out = append(out, schema.SystemMessage(text))
		}
	}
	return out
}

// checkBilling runs the pre-flight check for non-preset models.
func (s *ChatService) checkBilling(ctx context.Context, userID string, m *db.ModelConfig, history any) error {
	if s.gate == nil || m.IsPreset {
		return nil
	}
	res, err := s.gate.EstimateAndCheck(ctx, billing.CheckInput{
		UserID:   userID,
		History:  history,
		Provider: m.Provider,
		Model:    m.Model,
		IsPreset: m.IsPreset,
	})
	if err != nil {
		return fmt.Errorf("billing check: %w", err)
	}
	if !res.CanProceed {
		s.logger.Info("Chat rejected by billing", "userID", userID, "reason", res.Reason, "estimatedCost", res.EstimatedCost)
		return &BillingRejectedError{Reason: res.Reason, State: res.State}
	}
	return nil
}

// eventSink forwards orchestrator output as stream events.
type eventSink struct {
	send func(models.StreamEvent)
}

func (e eventSink) TextDelta(d string) {
	e.send(models.StreamEvent{Type: models.StreamEventTextDelta, Delta: d})
}

func (e eventSink) ReasoningDelta(d string) {
	e.send(models.StreamEvent{Type: models.StreamEventReasoningDelta, Delta: d})
}

func (e eventSink) ToolCall(c db.ToolCallPart) {
	e.send(models.StreamEvent{Type: models.StreamEventToolCall, ToolCall: &c})
}

func (e eventSink) ToolResult(r db.ToolResultPart) {
	e.send(models.StreamEvent{Type: models.StreamEventToolResult, ToolResult: &r})
}

func finishMetadata(res *FinishResult, maxTokens int) models.FinishMetadata {
	return models.FinishMetadata{
		TotalTokens:       res.Usage.TotalTokens,
		InputTokens:       res.Usage.InputTokens,
		OutputTokens:      res.Usage.OutputTokens,
		ReasoningTokens:   res.Usage.ReasoningTokens,
		CachedInputTokens: res.Usage.CachedInputTokens,
		MaxTokens:         maxTokens,
		Citations:         res.Citations,
		IsFinished:        true,
	}
}

// Stream runs one chat turn, delivering events through send. Errors
// returned before the first event (validation, ownership, billing) mean
// nothing was streamed. send is called from a single goroutine.
func (s *ChatService) Stream(ctx context.Context, req *models.ChatRequest, send func(models.StreamEvent)) error {
	if err := validateChatRequest(req); err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return err
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = conv.ModelID
	}
	m, err := s.models.ResolveModel(ctx, modelID, req.UserID)
	if err != nil {
		return err
	}
	if err := s.checkBilling(ctx, req.UserID, m, req.Messages); err != nil {
		return err
	}
	chatModel, err := s.factory.CreateChatModel(ctx, m)
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}

	toolSet := s.registry.BuildTools(tools.Options{WebSearch: req.WebSearch, EnableThinking: req.EnableThinking})
	history := toSchemaMessages(req.Messages)
	userMessage := req.Messages[len(req.Messages)-1]
	started := time.Now()

	send(models.StreamEvent{
		Type: models.StreamEventStart,
		Metadata: models.StartMetadata{
			CreatedAt: started,
			Model:     m.Model,
			Provider:  m.Provider,
		},
	})

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	// Post tasks outlive the request; they only start from OnFinish.
	postCtx := context.WithoutCancel(ctx)
	orch := NewOrchestrator(chatModel, m.Provider, OrchestratorHooks{
		OnStepFinish: func(r StepResult) {
			s.logger.Debug("Step finished", "conversationID", conv.ID, "step", r.Step,
				"toolCalls", len(r.ToolCalls), "newCitations", len(r.Citations))
		},
		OnFinish: func(res *FinishResult) {
			s.afterTurn(postCtx, req, m, userMessage, history, res, time.Since(started))
		},
	})

	res, err := orch.Run(runCtx, RunInput{
		SystemPrompt: req.SystemPrompt,
		Messages:     history,
		Tools:        toolSet,
		MaxSteps:     s.config.MaxSteps,
	}, eventSink{send: send})
	if err != nil {
		msg := "generation failed"
		switch {
		case errors.Is(err, ErrAborted):
			msg = "generation aborted"
		case IsContextLengthError(err):
			msg = "conversation is too long for this model"
		}
		s.logger.Warn("Chat stream ended with error", "conversationID", conv.ID, "error", err)
		send(models.StreamEvent{Type: models.StreamEventError, Error: msg})
		return err
	}

	send(models.StreamEvent{Type: models.StreamEventFinish, Metadata: finishMetadata(res, m.MaxTokens)})
	return nil
}

// afterTurn schedules persistence, usage recording and compression.
func (s *ChatService) afterTurn(ctx context.Context, req *models.ChatRequest, m *db.ModelConfig, userMessage models.ChatMessage, history []*schema.Message, res *FinishResult, latency time.Duration) {
	text := CleanAssistantText(res.Text)
	tasks := map[string]func(context.Context) error{
		"persist": func(ctx context.Context) error {
			saved, err := s.store.Save(ctx, SaveInput{
				ConversationID: req.ConversationID,
				UserID:         req.UserID,
				UserMessage:    userMessage.Parts,
				AssistantText:  text,
				AssistantParts: res.StoredParts(text),
				Citations:      res.Citations,
				Attachments:    req.Attachments,
			})
			if err != nil {
				return err
			}
			if saved.TitleDone != nil {
				<-saved.TitleDone
			}
			return nil
		},
		"compress": func(ctx context.Context) error {
			if s.compression == nil {
				return nil
			}
			transcript := append(append([]*schema.Message(nil), history...), schema.AssistantMessage(text, nil))
			_, err := s.compression.MaybeCompress(ctx, CompressInput{
				TotalTokens:    res.Usage.TotalTokens,
				Messages:       transcript,
				ConversationID: req.ConversationID,
				UserID:         req.UserID,
			})
			return err
		},
	}
	if !m.IsPreset && s.gate != nil {
		tasks["usage"] = s.usageTask(req.UserID, req.ConversationID, m, res, latency)
	}
	s.post.Run(ctx, tasks)
}

func (s *ChatService) usageTask(userID, conversationID string, m *db.ModelConfig, res *FinishResult, latency time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.gate.RecordUsage(ctx, billing.UsageInput{
			UserID:         userID,
			ConversationID: conversationID,
			Provider:       m.Provider,
			Model:          m.Model,
			InputTokens:    res.Usage.InputTokens,
			OutputTokens:   res.Usage.OutputTokens,
			Latency:        latency,
			Metadata: map[string]any{
				"steps":            res.Steps,
				"finish_reason":    res.FinishReason,
				"reasoning_tokens": res.Usage.ReasoningTokens,
				"cached_tokens":    res.Usage.CachedInputTokens,
				"citations":        len(res.Citations),
				"model_config_id":  m.ID,
			},
		})
		return err
	}
}

// Complete answers a single prompt without persisting it.
func (s *ChatService) Complete(ctx context.Context, req *models.LiteRequest) (*models.LiteResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	m, err := s.models.ResolveModel(ctx, req.ModelID, req.UserID)
	if err != nil {
		return nil, err
	}
	history := []*schema.Message{schema.UserMessage(req.Prompt)}
	if err := s.checkBilling(ctx, req.UserID, m, history); err != nil {
		return nil, err
	}
	chatModel, err := s.factory.CreateChatModel(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.config.LiteTimeout)
	defer cancel()

	started := time.Now()
	postCtx := context.WithoutCancel(ctx)
	orch := NewOrchestrator(chatModel, m.Provider, OrchestratorHooks{
		OnFinish: func(res *FinishResult) {
			if m.IsPreset || s.gate == nil {
				return
			}
			s.post.Run(postCtx, map[string]func(context.Context) error{
				"usage": s.usageTask(req.UserID, "", m, res, time.Since(started)),
			})
		},
	})
	res, err := orch.Run(runCtx, RunInput{
		SystemPrompt: req.SystemPrompt,
		Messages:     history,
		Tools:        s.registry.BuildTools(tools.Options{WebSearch: req.WebSearch}),
		MaxSteps:     s.config.LiteMaxSteps,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &models.LiteResponse{
		Text:         CleanAssistantText(res.Text),
		FinishReason: res.FinishReason,
		Steps:        res.Steps,
		Usage:        finishMetadata(res, m.MaxTokens),
		Citations:    res.Citations,
	}, nil
}
