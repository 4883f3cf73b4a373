package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/search"
	"github.com/choraleia/parley/pkg/tools"
	_ "github.com/choraleia/parley/pkg/tools/all"
	"github.com/cloudwego/eino/schema"
)

func userMessages(text string) []*schema.Message {
	return []*schema.Message{schema.UserMessage(text)}
}

func TestOrchestrator_TextOnly(t *testing.T) {
	m := newScriptedModel(textChunks("Hello", ", world"))
	var finished *FinishResult
	o := NewOrchestrator(m, "openai", OrchestratorHooks{OnFinish: func(r *FinishResult) { finished = r }})
	sink := &recordingSink{}

	res, err := o.Run(context.Background(), RunInput{SystemPrompt: "be nice", Messages: userMessages("hi")}, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hello, world" {
		t.Fatalf("Text = %q", res.Text)
	}
	if got := strings.Join(sink.text, ""); got != "Hello, world" {
		t.Fatalf("streamed = %q", got)
	}
	if res.Steps != 1 || res.FinishReason != "stop" {
		t.Fatalf("Steps = %d, FinishReason = %q", res.Steps, res.FinishReason)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 || res.Usage.TotalTokens != 15 {
		t.Fatalf("Usage = %+v", res.Usage)
	}
	if finished != res {
		t.Fatalf("OnFinish not called with result")
	}
	if o.State() != StateFinished {
		t.Fatalf("State() = %v, want finished", o.State())
	}
	if first := m.inputs[0][0]; first.Role != schema.System || first.Content != "be nice" {
		t.Fatalf("first input = %+v, want system prompt", first)
	}
	if m.tools != nil {
		t.Fatalf("tools bound without a tool set")
	}
}

func TestOrchestrator_WeatherToolStep(t *testing.T) {
	m := newScriptedModel(
		toolCallChunks(call("call_1", "weather", `{"location":"Paris"}`)),
		textChunks("It is mild in Paris."),
	)
	set := tools.NewRegistry(nil).BuildTools(tools.Options{})
	var steps []StepResult
	o := NewOrchestrator(m, "openai", OrchestratorHooks{OnStepFinish: func(s StepResult) { steps = append(steps, s) }})
	sink := &recordingSink{}

	res, err := o.Run(context.Background(), RunInput{Messages: userMessages("weather in Paris?"), Tools: set, MaxSteps: 5}, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Steps != 2 || res.ToolSteps != 1 {
		t.Fatalf("Steps = %d, ToolSteps = %d, want 2 and 1", res.Steps, res.ToolSteps)
	}
	if len(res.Citations) != 0 {
		t.Fatalf("Citations = %v, want none", res.Citations)
	}
	if len(steps) != 2 || len(steps[0].ToolCalls) != 1 {
		t.Fatalf("steps = %+v", steps)
	}
	if len(sink.toolCalls) != 1 || sink.toolCalls[0].Name != "weather" {
		t.Fatalf("tool calls streamed = %+v", sink.toolCalls)
	}
	if len(sink.toolResults) != 1 || !strings.Contains(sink.toolResults[0].Content, `"location":"Paris"`) {
		t.Fatalf("tool results streamed = %+v", sink.toolResults)
	}
	if len(m.tools) != 1 || m.tools[0].Name != "weather" {
		t.Fatalf("bound tools = %+v", m.tools)
	}

	// Second call sees the tool result appended after the assistant call.
	second := m.inputs[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call_1" {
		t.Fatalf("last input = %+v, want tool result for call_1", last)
	}
	if len(res.ResponseMessages) != 3 {
		t.Fatalf("ResponseMessages = %d, want 3", len(res.ResponseMessages))
	}
}

func TestOrchestrator_MaxSteps(t *testing.T) {
	m := newScriptedModel(toolCallChunks(call("c", "weather", `{"location":"Oslo"}`)))
	set := tools.NewRegistry(nil).BuildTools(tools.Options{})
	o := NewOrchestrator(m, "openai", OrchestratorHooks{})

	res, err := o.Run(context.Background(), RunInput{Messages: userMessages("loop"), Tools: set, MaxSteps: 3}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Steps != 3 || m.Calls() != 3 {
		t.Fatalf("Steps = %d, calls = %d, want 3", res.Steps, m.Calls())
	}
	if res.FinishReason != FinishReasonMaxSteps {
		t.Fatalf("FinishReason = %q, want %q", res.FinishReason, FinishReasonMaxSteps)
	}
}

func TestOrchestrator_SearchCitationsUniqueByURL(t *testing.T) {
	searcher := &search.Static{ByQuery: map[string][]search.Result{
		"go generics": {
			{Title: "Go Blog", URL: "https://go.dev/blog/intro-generics", Snippet: "intro"},
			{Title: "Spec", URL: "https://go.dev/ref/spec", Snippet: "spec"},
		},
		"go type params": {
			{Title: "Spec again", URL: "https://go.dev/ref/spec"},
			{Title: "Tutorial", URL: "https://go.dev/doc/tutorial/generics"},
		},
	}}
	set := tools.NewRegistry(tools.NewToolContext(searcher, 5)).BuildTools(tools.Options{WebSearch: true})
	m := newScriptedModel(
		toolCallChunks(call("s1", "webSearch", `{"query":"go generics"}`)),
		toolCallChunks(call("s2", "webSearch", `{"query":"go type params"}`)),
		textChunks("Generics landed in Go 1.18 [1]."),
	)
	o := NewOrchestrator(m, "openai", OrchestratorHooks{})

	res, err := o.Run(context.Background(), RunInput{Messages: userMessages("generics?"), Tools: set, MaxSteps: 5}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []db.Citation{
		{ID: 1, URL: "https://go.dev/blog/intro-generics", Title: "Go Blog", Snippet: "intro"},
		{ID: 2, URL: "https://go.dev/ref/spec", Title: "Spec", Snippet: "spec"},
		{ID: 3, URL: "https://go.dev/doc/tutorial/generics", Title: "Tutorial"},
	}
	if len(res.Citations) != len(want) {
		t.Fatalf("Citations = %+v, want %d", res.Citations, len(want))
	}
	for i := range want {
		if res.Citations[i] != want[i] {
			t.Fatalf("Citations[%d] = %+v, want %+v", i, res.Citations[i], want[i])
		}
	}

	var sources int
	for _, p := range res.Parts {
		if p.Type == db.PartTypeSourceURL {
			sources++
		}
	}
	if sources != 3 {
		t.Fatalf("source-url parts = %d, want 3", sources)
	}
}

func TestOrchestrator_ToolErrorsBecomeStrings(t *testing.T) {
	failing := &funcTool{name: "flaky", run: func(context.Context, string) (string, error) { return "", errBoom }}
	set, err := tools.NewToolSet(context.Background(), failing)
	if err != nil {
		t.Fatalf("NewToolSet() error = %v", err)
	}
	m := newScriptedModel(
		toolCallChunks(call("a", "flaky", `{}`), call("b", "missing", `{}`)),
		textChunks("Sorry."),
	)
	sink := &recordingSink{}
	o := NewOrchestrator(m, "openai", OrchestratorHooks{})

	if _, err := o.Run(context.Background(), RunInput{Messages: userMessages("go"), Tools: set}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.toolResults) != 2 {
		t.Fatalf("tool results = %+v", sink.toolResults)
	}
	for i, id := range []string{"a", "b"} {
		r := sink.toolResults[i]
		if r.ToolCallID != id || !r.IsError || !strings.HasPrefix(r.Content, "Error: ") {
			t.Fatalf("toolResults[%d] = %+v", i, r)
		}
	}
}

func TestOrchestrator_AbortDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopper := &funcTool{name: "stop", run: func(context.Context, string) (string, error) {
		cancel()
		return "stopped", nil
	}}
	set, _ := tools.NewToolSet(ctx, stopper)
	m := newScriptedModel(toolCallChunks(call("x", "stop", `{}`)), textChunks("never"))
	finishCalled := false
	o := NewOrchestrator(m, "openai", OrchestratorHooks{OnFinish: func(*FinishResult) { finishCalled = true }})

	res, err := o.Run(ctx, RunInput{Messages: userMessages("go"), Tools: set}, nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want wrapped context.Canceled", err)
	}
	if res != nil || finishCalled {
		t.Fatalf("aborted run produced a result")
	}
	if o.State() != StateAborted {
		t.Fatalf("State() = %v, want aborted", o.State())
	}
	if m.Calls() != 1 {
		t.Fatalf("model calls = %d, want 1", m.Calls())
	}
}

func TestOrchestrator_ModelError(t *testing.T) {
	m := newScriptedModel()
	m.err = errBoom
	o := NewOrchestrator(m, "openai", OrchestratorHooks{})

	_, err := o.Run(context.Background(), RunInput{Messages: userMessages("hi")}, nil)
	if !errors.Is(err, ErrModelStream) || !errors.Is(err, errBoom) {
		t.Fatalf("Run() error = %v, want ErrModelStream wrapping errBoom", err)
	}
	if _, err := o.Run(context.Background(), RunInput{}, nil); !errors.Is(err, ErrOrchestratorUsed) {
		t.Fatalf("second Run() error = %v, want ErrOrchestratorUsed", err)
	}
}

func TestOrchestrator_ReasoningEstimate(t *testing.T) {
	chunk := &schema.Message{Role: schema.Assistant, ReasoningContent: "let me think about it"}
	m := newScriptedModel([]*schema.Message{chunk, schema.AssistantMessage("done", nil)})
	sink := &recordingSink{}
	o := NewOrchestrator(m, "openai", OrchestratorHooks{})

	res, err := o.Run(context.Background(), RunInput{Messages: userMessages("hi")}, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Usage.ReasoningTokens != 6 {
		t.Fatalf("ReasoningTokens = %d, want 6", res.Usage.ReasoningTokens)
	}
	if len(sink.reasoning) != 1 {
		t.Fatalf("reasoning deltas = %v", sink.reasoning)
	}
	if res.Parts[0].Type != db.PartTypeReasoning {
		t.Fatalf("first part = %+v, want reasoning", res.Parts[0])
	}
}

func TestFinishResult_StoredParts(t *testing.T) {
	r := &FinishResult{Parts: db.MessageParts{
		{Type: db.PartTypeToolCall, ToolCall: &db.ToolCallPart{ID: "1", Name: "weather"}},
		db.TextPart("**Step 1: RESPOND** raw"),
		{Type: db.PartTypeSourceURL, Source: &db.SourceURLPart{URL: "https://a"}},
	}}
	parts := r.StoredParts("raw")
	if len(parts) != 3 {
		t.Fatalf("StoredParts() = %+v", parts)
	}
	if parts[1].Type != db.PartTypeText || parts[1].Text != "raw" || parts[2].Type != db.PartTypeSourceURL {
		t.Fatalf("StoredParts() = %+v", parts)
	}
}
