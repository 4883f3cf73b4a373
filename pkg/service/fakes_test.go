package service

import (
	"context"
	"errors"
	"sync"

	"github.com/choraleia/parley/pkg/db"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// scriptedModel replays one chunk list per call; once the script runs out
// the last entry repeats.
type scriptedModel struct {
	mu     sync.Mutex
	script [][]*schema.Message
	calls  int
	inputs [][]*schema.Message
	tools  []*schema.ToolInfo
	err    error
	onCall func(n int)
}

func newScriptedModel(script ...[]*schema.Message) *scriptedModel {
	return &scriptedModel{script: script}
}

func (m *scriptedModel) next(in []*schema.Message) ([]*schema.Message, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.inputs = append(m.inputs, append([]*schema.Message(nil), in...))
	onCall := m.onCall
	var chunks []*schema.Message
	if len(m.script) > 0 {
		idx := n - 1
		if idx >= len(m.script) {
			idx = len(m.script) - 1
		}
		chunks = m.script[idx]
	}
	m.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if m.err != nil {
		return nil, m.err
	}
	return chunks, nil
}

func (m *scriptedModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	chunks, err := m.next(in)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

func (m *scriptedModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	chunks, err := m.next(in)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *scriptedModel) WithTools(infos []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = infos
	m.mu.Unlock()
	return m, nil
}

func (m *scriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textChunks(parts ...string) []*schema.Message {
	chunks := make([]*schema.Message, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, schema.AssistantMessage(p, nil))
	}
	chunks = append(chunks, usageChunk(10, 5))
	return chunks
}

func usageChunk(in, out int) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage: &schema.TokenUsage{
				PromptTokens:     in,
				CompletionTokens: out,
				TotalTokens:      in + out,
			},
		},
	}
}

func toolCallChunks(calls ...schema.ToolCall) []*schema.Message {
	for i := range calls {
		idx := i
		calls[i].Index = &idx
		if calls[i].Type == "" {
			calls[i].Type = "function"
		}
	}
	return []*schema.Message{schema.AssistantMessage("", calls), usageChunk(10, 5)}
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

// funcTool is a minimal invokable tool.
type funcTool struct {
	name string
	run  func(ctx context.Context, args string) (string, error)
}

func (t *funcTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: t.name, Desc: t.name + " test tool"}, nil
}

func (t *funcTool) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	return t.run(ctx, args)
}

var errBoom = errors.New("boom")

// recordingSink captures everything streamed.
type recordingSink struct {
	mu          sync.Mutex
	text        []string
	reasoning   []string
	toolCalls   []db.ToolCallPart
	toolResults []db.ToolResultPart
}

func (s *recordingSink) TextDelta(d string) {
	s.mu.Lock()
	s.text = append(s.text, d)
	s.mu.Unlock()
}

func (s *recordingSink) ReasoningDelta(d string) {
	s.mu.Lock()
	s.reasoning = append(s.reasoning, d)
	s.mu.Unlock()
}

func (s *recordingSink) ToolCall(c db.ToolCallPart) {
	s.mu.Lock()
	s.toolCalls = append(s.toolCalls, c)
	s.mu.Unlock()
}

func (s *recordingSink) ToolResult(r db.ToolResultPart) {
	s.mu.Lock()
	s.toolResults = append(s.toolResults, r)
	s.mu.Unlock()
}
