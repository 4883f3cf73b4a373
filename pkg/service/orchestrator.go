package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxSteps = 20

	FinishReasonStop     = "stop"
	FinishReasonMaxSteps = "max-steps"
)

var (
	ErrAborted          = errors.New("generation aborted")
	ErrModelStream      = errors.New("model stream failed")
	ErrOrchestratorUsed = errors.New("orchestrator already ran")
)

// OrchestratorState is the lifecycle of one generation.
type OrchestratorState int

const (
	StateIdle OrchestratorState = iota
	StateStreaming
	StateFinished
	StateAborted
)

func (s OrchestratorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StreamSink receives output as the model produces it. Calls arrive from
// the goroutine running the orchestrator, in generation order.
type StreamSink interface {
	TextDelta(delta string)
	ReasoningDelta(delta string)
	ToolCall(call db.ToolCallPart)
	ToolResult(result db.ToolResultPart)
}

type discardSink struct{}

func (discardSink) TextDelta(string)             {}
func (discardSink) ReasoningDelta(string)        {}
func (discardSink) ToolCall(db.ToolCallPart)     {}
func (discardSink) ToolResult(db.ToolResultPart) {}

// ToolOutcome is one executed tool call.
type ToolOutcome struct {
	CallID    string
	Name      string
	Arguments string
	Output    string
	IsError   bool
}

// StepResult describes one model round trip and the tools it triggered.
type StepResult struct {
	Step         int
	Text         string
	Reasoning    string
	ToolCalls    []ToolOutcome
	Usage        llm.Usage
	FinishReason string
	Citations    []db.Citation // new this step
}

// FinishResult is the outcome of a completed generation.
type FinishResult struct {
	Text             string
	Reasoning        string
	Usage            llm.Usage
	FinishReason     string
	Steps            int // model round trips
	ToolSteps        int // steps that ran tools
	ResponseMessages []*schema.Message
	Citations        []db.Citation
	Parts            db.MessageParts
	Duration         time.Duration
}

// StoredParts returns the parts to persist for the assistant message, with
// the streamed text replaced by text (usually the sanitized answer).
func (r *FinishResult) StoredParts(text string) db.MessageParts {
	parts := make(db.MessageParts, 0, len(r.Parts)+1)
	var sources db.MessageParts
	for _, p := range r.Parts {
		switch p.Type {
		case db.PartTypeText:
		case db.PartTypeSourceURL:
			sources = append(sources, p)
		default:
			parts = append(parts, p)
		}
	}
	if text != "" {
		parts = append(parts, db.TextPart(text))
	}
	return append(parts, sources...)
}

// OrchestratorHooks are called on state transitions. OnFinish is never
// called for an aborted or failed run.
type OrchestratorHooks struct {
	OnStepFinish func(StepResult)
	OnFinish     func(*FinishResult)
}

// RunInput is one generation request.
type RunInput struct {
	SystemPrompt string
	Messages     []*schema.Message
	Tools        *tools.ToolSet
	MaxSteps     int
	ToolChoice   schema.ToolChoice
}

// Orchestrator drives the step loop of one assistant turn: stream a model
// response, run any tool calls it asks for, feed results back, repeat.
// An Orchestrator runs once.
type Orchestrator struct {
	model     model.ToolCallingChatModel
	provider  string
	hooks     OrchestratorHooks
	citations *CitationAggregator
	logger    *slog.Logger

	mu    sync.Mutex
	state OrchestratorState
	step  int
}

func NewOrchestrator(m model.ToolCallingChatModel, provider string, hooks OrchestratorHooks) *Orchestrator {
	return &Orchestrator{
		model:     m,
		provider:  provider,
		hooks:     hooks,
		citations: NewCitationAggregator(),
		logger:    utils.GetLogger(),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Step returns the current (or last) step number, starting at 1.
func (o *Orchestrator) Step() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// Citations returns the sources collected so far.
func (o *Orchestrator) Citations() []db.Citation {
	return o.citations.All()
}

func (o *Orchestrator) setState(s OrchestratorState, step int) {
	o.mu.Lock()
	o.state = s
	if step > 0 {
		o.step = step
	}
	o.mu.Unlock()
}

// Run executes the step loop until the model answers without tool calls,
// the step limit is reached, or ctx is done. A cancelled ctx returns an
// error wrapping ErrAborted and produces no FinishResult.
func (o *Orchestrator) Run(ctx context.Context, in RunInput, sink StreamSink) (*FinishResult, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrOrchestratorUsed
	}
	o.state = StateStreaming
	o.mu.Unlock()

	if sink == nil {
		sink = discardSink{}
	}
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	start := time.Now()

	chatModel := o.model
	var opts []model.Option
	if in.Tools.Len() > 0 {
		infos, err := in.Tools.Infos(ctx)
		if err != nil {
			return nil, o.fail(err)
		}
		bound, err := o.model.WithTools(infos)
		if err != nil {
			return nil, o.fail(fmt.Errorf("bind tools: %w", err))
		}
		chatModel = bound
		choice := in.ToolChoice
		if choice == "" {
			choice = schema.ToolChoiceAllowed
		}
		opts = append(opts, model.WithToolChoice(choice))
	}

	messages := make([]*schema.Message, 0, len(in.Messages)+1)
	if in.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(in.SystemPrompt))
	}
	messages = append(messages, in.Messages...)

	result := &FinishResult{}
	var texts, reasonings []string

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, o.abort(ctx, step-1)
		}
		o.setState(StateStreaming, step)

		msg, err := o.streamStep(ctx, chatModel, messages, opts, sink)
		if err != nil {
			if ctx.Err() != nil {
				return nil, o.abort(ctx, step)
			}
			return nil, o.fail(err)
		}

		usage := llm.UsageFromMeta(msg.ResponseMeta)
		if usage.ReasoningTokens == 0 && msg.ReasoningContent != "" {
			usage.ReasoningTokens = llm.EstimateTokens(msg.ReasoningContent)
		}
		result.Usage.Add(usage)
		result.Steps = step
		messages = append(messages, msg)
		result.ResponseMessages = append(result.ResponseMessages, msg)
		if msg.Content != "" {
			texts = append(texts, msg.Content)
		}
		if msg.ReasoningContent != "" {
			reasonings = append(reasonings, msg.ReasoningContent)
		}
		result.Parts = append(result.Parts, messageParts(msg)...)

		stepResult := StepResult{
			Step:      step,
			Text:      msg.Content,
			Reasoning: msg.ReasoningContent,
			Usage:     usage,
		}

		if len(msg.ToolCalls) == 0 {
			stepResult.FinishReason = FinishReasonStop
			if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason != "" {
				stepResult.FinishReason = msg.ResponseMeta.FinishReason
			}
			o.stepFinished(stepResult)
			result.FinishReason = stepResult.FinishReason
			break
		}

		outcomes := o.runTools(ctx, in.Tools, msg.ToolCalls, sink)
		if ctx.Err() != nil {
			return nil, o.abort(ctx, step)
		}
		for _, out := range outcomes {
			messages = append(messages, &schema.Message{
				Role:       schema.Tool,
				Content:    out.Output,
				ToolCallID: out.CallID,
				ToolName:   out.Name,
			})
			result.ResponseMessages = append(result.ResponseMessages, messages[len(messages)-1])
			result.Parts = append(result.Parts, db.MessagePart{
				Type: db.PartTypeToolResult,
				ToolResult: &db.ToolResultPart{
					ToolCallID: out.CallID,
					Name:       out.Name,
					Content:    out.Output,
					IsError:    out.IsError,
				},
			})
			for _, c := range in.Tools.ParseSearchOutput(out.Name, out.Output) {
				if o.citations.Add(c) {
					stepResult.Citations = append(stepResult.Citations, c)
				}
			}
		}
		stepResult.ToolCalls = outcomes
		result.ToolSteps++
		stepResult.FinishReason = "tool-calls"
		o.stepFinished(stepResult)

		if step >= maxSteps {
			result.FinishReason = FinishReasonMaxSteps
			break
		}
	}

	result.Text = strings.Join(texts, "\n\n")
	result.Reasoning = strings.Join(reasonings, "\n\n")
	result.Citations = o.citations.All()
	for _, c := range result.Citations {
		result.Parts = append(result.Parts, db.MessagePart{
			Type:   db.PartTypeSourceURL,
			Source: &db.SourceURLPart{ID: fmt.Sprint(c.ID), URL: c.URL, Title: c.Title},
		})
	}
	result.Duration = time.Since(start)

	o.setState(StateFinished, 0)
	metrics.OrchestratorSteps.Observe(float64(result.Steps))
	metrics.OrchestratorRuns.WithLabelValues(StateFinished.String(), result.FinishReason).Inc()
	metrics.StreamDuration.WithLabelValues(o.provider).Observe(result.Duration.Seconds())

	o.logger.Debug("Generation finished",
		"steps", result.Steps,
		"finishReason", result.FinishReason,
		"citations", len(result.Citations),
		"totalTokens", result.Usage.TotalTokens)

	if o.hooks.OnFinish != nil {
		o.hooks.OnFinish(result)
	}
	return result, nil
}

// streamStep streams one model response, forwarding deltas as they arrive,
// and returns the concatenated message.
func (o *Orchestrator) streamStep(ctx context.Context, chatModel model.ToolCallingChatModel, messages []*schema.Message, opts []model.Option, sink StreamSink) (*schema.Message, error) {
	stream, err := chatModel.Stream(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelStream, err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelStream, err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.ReasoningContent != "" {
			sink.ReasoningDelta(chunk.ReasoningContent)
		}
		if chunk.Content != "" {
			sink.TextDelta(chunk.Content)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	msg, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("concat stream chunks: %w", err)
	}
	return msg, nil
}

// runTools executes the calls of one step concurrently. Outcomes keep call
// order. Failures become "Error: ..." outputs the model can read.
func (o *Orchestrator) runTools(ctx context.Context, set *tools.ToolSet, calls []schema.ToolCall, sink StreamSink) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))
	for i, tc := range calls {
		outcomes[i] = ToolOutcome{CallID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		sink.ToolCall(db.ToolCallPart{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range outcomes {
		out := &outcomes[i]
		g.Go(func() error {
			out.Output, out.IsError = o.invoke(gctx, set, out.Name, out.Arguments)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		outcome := "ok"
		if out.IsError {
			outcome = "error"
		}
		metrics.ToolCalls.WithLabelValues(out.Name, outcome).Inc()
		sink.ToolResult(db.ToolResultPart{
			ToolCallID: out.CallID,
			Name:       out.Name,
			Content:    out.Output,
			IsError:    out.IsError,
		})
	}
	return outcomes
}

func (o *Orchestrator) invoke(ctx context.Context, set *tools.ToolSet, name, args string) (string, bool) {
	t, ok := set.Get(name)
	if !ok {
		return tools.ErrorString("unknown tool %q", name), true
	}
	output, err := t.InvokableRun(ctx, args)
	if err != nil {
		o.logger.Warn("Tool call failed", "tool", name, "error", err)
		return tools.ErrorString("%v", err), true
	}
	return output, strings.HasPrefix(output, "Error: ")
}

func (o *Orchestrator) stepFinished(r StepResult) {
	if o.hooks.OnStepFinish != nil {
		o.hooks.OnStepFinish(r)
	}
}

func (o *Orchestrator) abort(ctx context.Context, step int) error {
	o.setState(StateAborted, step)
	metrics.OrchestratorRuns.WithLabelValues(StateAborted.String(), "aborted").Inc()
	cause := context.Cause(ctx)
	o.logger.Info("Generation aborted", "step", step, "cause", cause)
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func (o *Orchestrator) fail(err error) error {
	o.setState(StateAborted, 0)
	metrics.OrchestratorRuns.WithLabelValues(StateAborted.String(), "error").Inc()
	o.logger.Error("Generation failed", "error", err)
	return err
}

// messageParts converts an assistant message into stored parts.
func messageParts(msg *schema.Message) db.MessageParts {
	var parts db.MessageParts
	if msg.ReasoningContent != "" {
		parts = append(parts, db.MessagePart{Type: db.PartTypeReasoning, Text: msg.ReasoningContent})
	}
	if msg.Content != "" {
		parts = append(parts, db.TextPart(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		parts = append(parts, db.MessagePart{
			Type:     db.PartTypeToolCall,
			ToolCall: &db.ToolCallPart{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return parts
}
