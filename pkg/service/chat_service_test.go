package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/search"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"gorm.io/gorm"
)

type fakeFactory struct {
	mu      sync.Mutex
	model   model.ToolCallingChatModel
	err     error
	created int
}

func (f *fakeFactory) CreateChatModel(_ context.Context, _ *db.ModelConfig) (model.ToolCallingChatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.err != nil {
		return nil, f.err
	}
	return f.model, nil
}

func (f *fakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type staticTitles struct {
	title string
	err   error
}

func (s staticTitles) GenerateTitle(context.Context, string, string, string) (string, error) {
	return s.title, s.err
}

// hangingModel streams one chunk and then blocks until ctx is done.
type hangingModel struct {
	scriptedModel
}

func (m *hangingModel) Stream(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.next(in)
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("partial", nil), nil)
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

func (m *hangingModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

type harness struct {
	gdb     *gorm.DB
	store   *ChatStore
	models  *ModelService
	gate    *billing.Gate
	chat    *ChatService
	factory *fakeFactory
	emitter *event.Emitter
}

const testUser = "user-1"

func newHarness(t *testing.T, chatModel model.ToolCallingChatModel, searcher search.Searcher, cfg ChatConfig) *harness {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	emitter := event.NewEmitter()
	factory := &fakeFactory{model: chatModel}
	modelSvc := NewModelService(gdb, factory)
	store := NewChatStore(gdb, staticTitles{title: "Paris weather"})
	store.SetEmitter(emitter)
	gate := billing.NewGate(gdb, 1000)
	gate.SetEmitter(emitter)
	compression := NewCompressionService(modelSvc, factory, NewSQLContextCache(gdb, time.Hour), CompressionConfig{})
	compression.SetEmitter(emitter)
	registry := tools.NewRegistry(tools.NewToolContext(searcher, 5))

	for _, m := range []*db.ModelConfig{
		{ID: "m-user", UserID: testUser, Provider: "openai", Model: "gpt-4o", Enabled: true, Active: true, MaxTokens: 4096},
		{ID: "m-preset", Provider: "openai", Model: "gpt-4o-mini", IsPreset: true, Enabled: true, Active: true},
	} {
		if err := modelSvc.CreateModel(context.Background(), m); err != nil {
			t.Fatalf("create model: %v", err)
		}
	}

	return &harness{
		gdb:     gdb,
		store:   store,
		models:  modelSvc,
		gate:    gate,
		chat:    NewChatService(store, modelSvc, factory, gate, registry, compression, cfg),
		factory: factory,
		emitter: emitter,
	}
}

func (h *harness) conversation(t *testing.T) *db.Conversation {
	t.Helper()
	conv, err := h.store.CreateConversation(context.Background(), testUser, "", "m-user")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

func chatRequest(convID, modelID, text string) *models.ChatRequest {
	return &models.ChatRequest{
		ConversationID: convID,
		ModelID:        modelID,
		UserID:         testUser,
		Messages: []models.ChatMessage{
			{Role: db.RoleUser, Parts: db.MessageParts{db.TextPart(text)}},
		},
	}
}

type eventLog struct {
	events []models.StreamEvent
}

func (l *eventLog) send(ev models.StreamEvent) {
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) count(typ string) int {
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestChatService_WeatherTurn(t *testing.T) {
	m := newScriptedModel(
		toolCallChunks(call("call_1", "weather", `{"location":"Paris"}`)),
		textChunks("**Step 1: RESPOND**\nIt is mild in Paris."),
	)
	h := newHarness(t, m, nil, ChatConfig{})
	conv := h.conversation(t)
	log := &eventLog{}

	if err := h.chat.Stream(context.Background(), chatRequest(conv.ID, "m-user", "What's the weather in Paris?"), log.send); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	h.chat.PostTasks().Wait()

	types := log.types()
	if types[0] != models.StreamEventStart || types[len(types)-1] != models.StreamEventFinish {
		t.Fatalf("event types = %v", types)
	}
	if log.count(models.StreamEventToolCall) != 1 || log.count(models.StreamEventToolResult) != 1 {
		t.Fatalf("event types = %v, want one tool call and result", types)
	}
	start := log.events[0].Metadata.(models.StartMetadata)
	if start.Model != "gpt-4o" || start.Provider != "openai" || start.IsFinished {
		t.Fatalf("start metadata = %+v", start)
	}
	finish := log.events[len(log.events)-1].Metadata.(models.FinishMetadata)
	if !finish.IsFinished || finish.TotalTokens != 30 || finish.MaxTokens != 4096 || len(finish.Citations) != 0 {
		t.Fatalf("finish metadata = %+v", finish)
	}

	msgs, err := h.store.ListMessages(context.Background(), conv.ID, testUser)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != db.RoleUser || msgs[1].Role != db.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	if got := msgs[1].Parts.Text(); got != "It is mild in Paris." {
		t.Fatalf("stored assistant text = %q, want sanitized text", got)
	}
	var kinds []db.PartType
	for _, p := range msgs[1].Parts {
		kinds = append(kinds, p.Type)
	}
	if len(kinds) != 3 || kinds[0] != db.PartTypeToolCall || kinds[1] != db.PartTypeToolResult || kinds[2] != db.PartTypeText {
		t.Fatalf("assistant part types = %v", kinds)
	}

	var usage int64
	h.gdb.Model(&db.UsageRecord{}).Where("user_id = ?", testUser).Count(&usage)
	if usage != 1 {
		t.Fatalf("usage records = %d, want 1", usage)
	}
}

func TestChatService_SearchCitationsPersisted(t *testing.T) {
	searcher := &search.Static{ByQuery: map[string][]search.Result{
		"first":  {{Title: "A", URL: "https://a.example"}, {Title: "B", URL: "https://b.example"}},
		"second": {{Title: "B", URL: "https://b.example"}, {Title: "C", URL: "https://c.example"}},
	}}
	m := newScriptedModel(
		toolCallChunks(call("s1", "webSearch", `{"query":"first"}`)),
		toolCallChunks(call("s2", "webSearch", `{"query":"second"}`)),
		textChunks("See [1] and [3]."),
	)
	h := newHarness(t, m, searcher, ChatConfig{})
	conv := h.conversation(t)
	req := chatRequest(conv.ID, "m-preset", "compare")
	req.WebSearch = true
	log := &eventLog{}

	if err := h.chat.Stream(context.Background(), req, log.send); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	h.chat.PostTasks().Wait()

	finish := log.events[len(log.events)-1].Metadata.(models.FinishMetadata)
	if len(finish.Citations) != 3 {
		t.Fatalf("finish citations = %+v", finish.Citations)
	}
	msgs, err := h.store.ListMessages(context.Background(), conv.ID, testUser)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	got := msgs[1].Citations
	wantURLs := []string{"https://a.example", "https://b.example", "https://c.example"}
	if len(got) != len(wantURLs) {
		t.Fatalf("stored citations = %+v", got)
	}
	for i, u := range wantURLs {
		if got[i].URL != u || got[i].ID != i+1 {
			t.Fatalf("citation %d = %+v, want id %d url %s", i, got[i], i+1, u)
		}
	}

	// Preset models skip billing entirely.
	var usage int64
	h.gdb.Model(&db.UsageRecord{}).Count(&usage)
	if usage != 0 {
		t.Fatalf("usage records = %d, want 0 for preset", usage)
	}
}

func TestChatService_InsufficientCredits(t *testing.T) {
	m := newScriptedModel(textChunks("never"))
	h := newHarness(t, m, nil, ChatConfig{})
	conv := h.conversation(t)
	// 1000 estimated output tokens at $500/M = $0.50
	if err := h.gate.AddPricingRule(context.Background(), &db.PricingRule{
		Provider: "openai", Model: "gpt-4o", OutputPricePerMillion: 500,
		EffectiveFrom: time.Now().Add(-time.Hour), Active: true,
	}); err != nil {
		t.Fatalf("AddPricingRule() error = %v", err)
	}
	if err := h.gdb.Create(&db.BillingState{UserID: testUser, Plan: "free", Credits: 0.10}).Error; err != nil {
		t.Fatalf("create state: %v", err)
	}
	log := &eventLog{}

	err := h.chat.Stream(context.Background(), chatRequest(conv.ID, "m-user", "hi"), log.send)
	var rejected *BillingRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Stream() error = %v, want BillingRejectedError", err)
	}
	if rejected.Reason != billing.ReasonInsufficientCredits {
		t.Fatalf("Reason = %q", rejected.Reason)
	}
	if rejected.State.Credits != 0.10 {
		t.Fatalf("State.Credits = %v, want 0.10", rejected.State.Credits)
	}
	h.chat.PostTasks().Wait()

	if len(log.events) != 0 {
		t.Fatalf("events = %v, want none", log.types())
	}
	if m.Calls() != 0 || h.factory.Created() != 0 {
		t.Fatalf("model used: calls = %d, created = %d", m.Calls(), h.factory.Created())
	}
	var usage int64
	h.gdb.Model(&db.UsageRecord{}).Count(&usage)
	if usage != 0 {
		t.Fatalf("usage records = %d, want 0", usage)
	}
}

func TestChatService_FirstExchangeGetsTitle(t *testing.T) {
	m := newScriptedModel(textChunks("Bonjour!"))
	h := newHarness(t, m, nil, ChatConfig{})
	conv := h.conversation(t)
	titles := make(chan string, 1)
	h.emitter.On(event.ConversationTitleChanged, func(ev event.Event) {
		titles <- ev.(event.ConversationTitleChangedEvent).Title
	})

	if err := h.chat.Stream(context.Background(), chatRequest(conv.ID, "m-preset", "Say hello in French"), (&eventLog{}).send); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	h.chat.PostTasks().Wait()

	got, err := h.store.GetConversation(context.Background(), conv.ID, testUser)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Title == db.DefaultConversationTitle || got.Title != "Paris weather" {
		t.Fatalf("Title = %q", got.Title)
	}
	select {
	case title := <-titles:
		if title != got.Title {
			t.Fatalf("event title = %q, want %q", title, got.Title)
		}
	default:
		t.Fatalf("no title event emitted")
	}
}

func TestChatService_AbortPersistsNothing(t *testing.T) {
	m := &hangingModel{}
	h := newHarness(t, m, nil, ChatConfig{Timeout: 50 * time.Millisecond})
	conv := h.conversation(t)
	log := &eventLog{}

	err := h.chat.Stream(context.Background(), chatRequest(conv.ID, "m-user", "tell me a long story"), log.send)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Stream() error = %v, want ErrAborted", err)
	}
	h.chat.PostTasks().Wait()

	if log.count(models.StreamEventTextDelta) != 1 || log.count(models.StreamEventError) != 1 {
		t.Fatalf("events = %v", log.types())
	}
	if log.count(models.StreamEventFinish) != 0 {
		t.Fatalf("finish event sent for aborted stream")
	}
	msgs, err := h.store.ListMessages(context.Background(), conv.ID, testUser)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
	var usage int64
	h.gdb.Model(&db.UsageRecord{}).Count(&usage)
	if usage != 0 {
		t.Fatalf("usage records = %d, want 0", usage)
	}
}

func TestChatService_RequestErrors(t *testing.T) {
	h := newHarness(t, newScriptedModel(textChunks("x")), nil, ChatConfig{})
	conv := h.conversation(t)

	tests := []struct {
		name string
		req  *models.ChatRequest
		want error
	}{
		{"no messages", &models.ChatRequest{ConversationID: conv.ID, UserID: testUser}, ErrNoMessages},
		{"no conversation id", &models.ChatRequest{UserID: testUser}, ErrInvalidRequest},
		{"last not user", &models.ChatRequest{ConversationID: conv.ID, UserID: testUser, Messages: []models.ChatMessage{
			{Role: db.RoleAssistant, Parts: db.MessageParts{db.TextPart("hi")}},
		}}, ErrInvalidRequest},
		{"other user's conversation", func() *models.ChatRequest {
			r := chatRequest(conv.ID, "m-user", "hi")
			r.UserID = "intruder"
			return r
		}(), ErrConversationNotFound},
		{"unknown model", chatRequest(conv.ID, "nope", "hi"), ErrModelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			err := h.chat.Stream(context.Background(), tt.req, log.send)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Stream() error = %v, want %v", err, tt.want)
			}
			if len(log.events) != 0 {
				t.Fatalf("events sent before failure: %v", log.types())
			}
		})
	}
}

func TestChatService_CompleteLite(t *testing.T) {
	m := newScriptedModel(
		toolCallChunks(call("w", "weather", `{"location":"Rome"}`)),
		textChunks("THINK\nSunny in Rome."),
	)
	h := newHarness(t, m, nil, ChatConfig{LiteMaxSteps: 1})

	res, err := h.chat.Complete(context.Background(), &models.LiteRequest{ModelID: "m-preset", Prompt: "Rome?", UserID: testUser})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Steps != 1 || res.FinishReason != FinishReasonMaxSteps {
		t.Fatalf("Complete() = %+v, want one step cut by max-steps", res)
	}

	res, err = h.chat.Complete(context.Background(), &models.LiteRequest{ModelID: "m-preset", Prompt: "again", UserID: testUser})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "Sunny in Rome." {
		t.Fatalf("Text = %q", res.Text)
	}
	h.chat.PostTasks().Wait()

	if _, err := h.chat.Complete(context.Background(), &models.LiteRequest{UserID: testUser}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Complete() error = %v, want ErrInvalidRequest", err)
	}
}
