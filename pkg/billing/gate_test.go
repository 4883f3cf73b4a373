package billing

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/event"
	"gorm.io/gorm"
)

func newTestGate(t *testing.T) (*Gate, *gorm.DB) {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	g := NewGate(gdb, 1000)
	if err := g.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	return g, gdb
}

func addRule(t *testing.T, g *Gate, provider, model string, in, out float64, from time.Time) {
	t.Helper()
	if err := g.AddPricingRule(context.Background(), &db.PricingRule{
		Provider:              provider,
		Model:                 model,
		InputPricePerMillion:  in,
		OutputPricePerMillion: out,
		EffectiveFrom:         from,
		Active:                true,
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
}

func putState(t *testing.T, gdb *gorm.DB, s db.BillingState) {
	t.Helper()
	if s.BillingCycle == "" {
		s.BillingCycle = "2026-03"
	}
	if s.LastResetDate.IsZero() {
		s.LastResetDate = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	}
	if err := gdb.Create(&s).Error; err != nil {
		t.Fatalf("create state: %v", err)
	}
}

func TestCost(t *testing.T) {
	rule := &db.PricingRule{InputPricePerMillion: 3, OutputPricePerMillion: 15}
	got := Cost(rule, 1_000_000, 100_000)
	if math.Abs(got-4.5) > 1e-9 {
		t.Fatalf("Cost() = %v, want 4.5", got)
	}
	if Cost(nil, 10, 10) != 0 {
		t.Fatalf("Cost(nil) != 0")
	}
}

func TestEstimateAndCheck_PresetSkips(t *testing.T) {
	g, _ := newTestGate(t)
	res, err := g.EstimateAndCheck(context.Background(), CheckInput{UserID: "u1", IsPreset: true, Provider: "openai", Model: "gpt"})
	if err != nil {
		t.Fatalf("EstimateAndCheck() error = %v", err)
	}
	if !res.CanProceed || res.EstimatedCost != 0 {
		t.Fatalf("preset result = %+v", res)
	}
}

func TestEstimateAndCheck_RuleOrder(t *testing.T) {
	// 1000 output tokens at $1000/M output = $1.00 estimated cost; input is negligible.
	tests := []struct {
		name   string
		state  db.BillingState
		reason string
	}{
		{name: "accepts", state: db.BillingState{Credits: 5, MonthlyLimit: 10, DailyLimit: 2}},
		{name: "unlimited when zero limits", state: db.BillingState{Credits: 5, CurrentMonthSpent: 100, CurrentDaySpent: 100}},
		{name: "insufficient credits first", state: db.BillingState{Credits: 0.5, MonthlyLimit: 0.1, DailyLimit: 0.1}, reason: ReasonInsufficientCredits},
		{name: "monthly before daily", state: db.BillingState{Credits: 5, MonthlyLimit: 10, CurrentMonthSpent: 9.5, DailyLimit: 1, CurrentDaySpent: 0.5}, reason: ReasonMonthlyLimit},
		{name: "daily", state: db.BillingState{Credits: 5, DailyLimit: 1, CurrentDaySpent: 0.5}, reason: ReasonDailyLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, gdb := newTestGate(t)
			addRule(t, g, "openai", "gpt", 0, 1000, g.now().Add(-time.Hour))
			tt.state.UserID = "u1"
			putState(t, gdb, tt.state)

			res, err := g.EstimateAndCheck(context.Background(), CheckInput{UserID: "u1", History: []string{"hi"}, Provider: "openai", Model: "gpt"})
			if err != nil {
				t.Fatalf("EstimateAndCheck() error = %v", err)
			}
			if math.Abs(res.EstimatedCost-1.0) > 1e-9 {
				t.Fatalf("EstimatedCost = %v, want 1.0", res.EstimatedCost)
			}
			if res.Reason != tt.reason || res.CanProceed != (tt.reason == "") {
				t.Fatalf("result = %+v, want reason %q", res, tt.reason)
			}
		})
	}
}

func TestEstimateAndCheck_InsufficientCreditsScenario(t *testing.T) {
	g, gdb := newTestGate(t)
	// 1000 output tokens at $500/M = $0.50
	addRule(t, g, "anthropic", "claude", 0, 500, g.now().Add(-time.Hour))
	putState(t, gdb, db.BillingState{UserID: "u1", Credits: 0.10})

	res, err := g.EstimateAndCheck(context.Background(), CheckInput{UserID: "u1", Provider: "anthropic", Model: "claude"})
	if err != nil {
		t.Fatalf("EstimateAndCheck() error = %v", err)
	}
	if res.CanProceed || res.Reason != "Insufficient credits" {
		t.Fatalf("result = %+v, want Insufficient credits", res)
	}
	if res.State.Credits != 0.10 {
		t.Fatalf("state snapshot credits = %v", res.State.Credits)
	}
	var n int64
	gdb.Model(&db.UsageRecord{}).Count(&n)
	if n != 0 {
		t.Fatalf("usage records = %d, want 0", n)
	}
}

func TestEstimateAndCheck_InputEstimate(t *testing.T) {
	g, gdb := newTestGate(t)
	// Only input is priced: $1M per million = $1 per token
	addRule(t, g, "openai", "gpt", 1_000_000, 0, g.now().Add(-time.Hour))
	putState(t, gdb, db.BillingState{UserID: "u1", Credits: 1000})

	history := strings.Repeat("a", 38) // json adds 2 quotes = 40 bytes = 10 tokens
	res, err := g.EstimateAndCheck(context.Background(), CheckInput{UserID: "u1", History: history, Provider: "openai", Model: "gpt"})
	if err != nil {
		t.Fatalf("EstimateAndCheck() error = %v", err)
	}
	if res.EstimatedInputTokens != 10 || math.Abs(res.EstimatedCost-10) > 1e-9 {
		t.Fatalf("estimate = %d tokens / $%v, want 10 / $10", res.EstimatedInputTokens, res.EstimatedCost)
	}
}

func TestFindRule_LatestActiveInEffect(t *testing.T) {
	g, gdb := newTestGate(t)
	now := g.now()
	addRule(t, g, "openai", "gpt", 1, 1, now.Add(-48*time.Hour))
	addRule(t, g, "openai", "gpt", 2, 2, now.Add(-24*time.Hour))
	addRule(t, g, "openai", "gpt", 9, 9, now.Add(24*time.Hour)) // not yet effective

	expired := now.Add(-time.Minute)
	if err := gdb.Create(&db.PricingRule{ID: "expired", Provider: "openai", Model: "gpt", InputPricePerMillion: 7, EffectiveFrom: now.Add(-time.Hour), EffectiveTo: &expired, Active: true}).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if err := gdb.Create(&db.PricingRule{ID: "inactive", Provider: "openai", Model: "gpt", InputPricePerMillion: 8, EffectiveFrom: now.Add(-30 * time.Minute), Active: false}).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	rule, err := g.findRule(gdb, "openai", "gpt")
	if err != nil {
		t.Fatalf("findRule() error = %v", err)
	}
	if rule == nil || rule.InputPricePerMillion != 2 {
		t.Fatalf("findRule() = %+v, want price 2", rule)
	}

	missing, err := g.findRule(gdb, "openai", "other")
	if err != nil || missing != nil {
		t.Fatalf("findRule(missing) = %+v, %v", missing, err)
	}
}

func TestEstimateAndCheck_MissingRuleIsFree(t *testing.T) {
	g, _ := newTestGate(t)
	res, err := g.EstimateAndCheck(context.Background(), CheckInput{UserID: "nobody", Provider: "x", Model: "y"})
	if err != nil {
		t.Fatalf("EstimateAndCheck() error = %v", err)
	}
	if !res.CanProceed || res.EstimatedCost != 0 {
		t.Fatalf("result = %+v, want free and allowed", res)
	}
}

func TestRecordUsage_PairsRecordWithDecrement(t *testing.T) {
	g, gdb := newTestGate(t)
	addRule(t, g, "openai", "gpt", 2, 10, g.now().Add(-time.Hour))
	putState(t, gdb, db.BillingState{UserID: "u1", Credits: 5, TotalSpent: 1, CurrentMonthSpent: 1, CurrentDaySpent: 1})

	rec, err := g.RecordUsage(context.Background(), UsageInput{
		UserID:         "u1",
		ConversationID: "c1",
		Provider:       "openai",
		Model:          "gpt",
		InputTokens:    500_000,
		OutputTokens:   100_000,
		Latency:        1500 * time.Millisecond,
		Metadata:       map[string]any{"steps": 2},
	})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	// 0.5M*2 + 0.1M*10 = 1 + 1 = 2
	if math.Abs(rec.Cost-2) > 1e-9 || rec.TotalTokens != 600_000 || rec.LatencyMs != 1500 {
		t.Fatalf("usage record = %+v", rec)
	}

	var state db.BillingState
	if err := gdb.First(&state, "user_id = ?", "u1").Error; err != nil {
		t.Fatalf("load state: %v", err)
	}
	if math.Abs(state.Credits-3) > 1e-9 || math.Abs(state.TotalSpent-3) > 1e-9 ||
		math.Abs(state.CurrentMonthSpent-3) > 1e-9 || math.Abs(state.CurrentDaySpent-3) > 1e-9 {
		t.Fatalf("state after charge = %+v", state)
	}

	var records []db.BillingRecord
	gdb.Where("type = ?", db.BillingRecordCharge).Find(&records)
	if len(records) != 1 {
		t.Fatalf("charge records = %d, want 1", len(records))
	}
	if math.Abs(records[0].Amount+rec.Cost) > 1e-9 || math.Abs(records[0].BalanceAfter-3) > 1e-9 {
		t.Fatalf("charge record = %+v", records[0])
	}
	if records[0].UsageRecordID == nil || *records[0].UsageRecordID != rec.ID {
		t.Fatalf("charge record not linked to usage record")
	}
}

func TestRecordUsage_EmitsChargeOnGlobalEmitter(t *testing.T) {
	g, gdb := newTestGate(t)
	addRule(t, g, "openai", "gpt", 2, 10, g.now().Add(-time.Hour))
	putState(t, gdb, db.BillingState{UserID: "u-events", Credits: 5})

	var charged []event.BillingChargedEvent
	off := event.Global().OnAny(func(ev event.Event) {
		if c, ok := ev.(event.BillingChargedEvent); ok && c.UserID == "u-events" {
			charged = append(charged, c)
		}
	})
	defer off()

	rec, err := g.RecordUsage(context.Background(), UsageInput{UserID: "u-events", Provider: "openai", Model: "gpt", InputTokens: 500_000})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if len(charged) != 1 {
		t.Fatalf("charged events = %d, want 1", len(charged))
	}
	if math.Abs(charged[0].Cost-rec.Cost) > 1e-9 || math.Abs(charged[0].Balance-4) > 1e-9 {
		t.Fatalf("charged event = %+v, want cost %v balance 4", charged[0], rec.Cost)
	}
}

func TestRecordUsage_CreatesStateForNewUser(t *testing.T) {
	g, gdb := newTestGate(t)
	addRule(t, g, "openai", "gpt", 1_000_000, 0, g.now().Add(-time.Hour))

	if _, err := g.RecordUsage(context.Background(), UsageInput{UserID: "fresh", Provider: "openai", Model: "gpt", InputTokens: 2}); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	var state db.BillingState
	if err := gdb.First(&state, "user_id = ?", "fresh").Error; err != nil {
		t.Fatalf("load state: %v", err)
	}
	if math.Abs(state.Credits+2) > 1e-9 || state.Plan != DefaultPlan {
		t.Fatalf("state = %+v, want credits -2 on free plan", state)
	}
}

func TestTopUpAndState(t *testing.T) {
	g, gdb := newTestGate(t)
	ctx := context.Background()

	if _, err := g.TopUp(ctx, "u1", 0); err != ErrInvalidAmount {
		t.Fatalf("TopUp(0) error = %v, want ErrInvalidAmount", err)
	}
	state, err := g.TopUp(ctx, "u1", 12.5)
	if err != nil {
		t.Fatalf("TopUp() error = %v", err)
	}
	if state.Credits != 12.5 {
		t.Fatalf("credits = %v, want 12.5", state.Credits)
	}
	got, err := g.State(ctx, "u1")
	if err != nil || got.Credits != 12.5 {
		t.Fatalf("State() = %+v, %v", got, err)
	}
	var n int64
	gdb.Model(&db.BillingRecord{}).Where("type = ?", db.BillingRecordTopUp).Count(&n)
	if n != 1 {
		t.Fatalf("topup records = %d, want 1", n)
	}

	empty, err := g.State(ctx, "nobody")
	if err != nil || empty.Credits != 0 || empty.UserID != "nobody" {
		t.Fatalf("State(nobody) = %+v, %v", empty, err)
	}
}

func TestResetCounters(t *testing.T) {
	g, gdb := newTestGate(t)
	now := g.now()

	putState(t, gdb, db.BillingState{UserID: "today", CurrentDaySpent: 1, CurrentMonthSpent: 5, LastResetDate: now.Add(-time.Hour)})
	putState(t, gdb, db.BillingState{UserID: "yesterday", CurrentDaySpent: 2, CurrentMonthSpent: 5, LastResetDate: now.Add(-24 * time.Hour)})
	putState(t, gdb, db.BillingState{UserID: "lastmonth", CurrentDaySpent: 3, CurrentMonthSpent: 9, BillingCycle: "2026-02", LastResetDate: now.Add(-20 * 24 * time.Hour)})

	n, err := g.ResetCounters(context.Background(), now)
	if err != nil {
		t.Fatalf("ResetCounters() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ResetCounters() = %d, want 2", n)
	}

	load := func(id string) db.BillingState {
		var s db.BillingState
		if err := gdb.First(&s, "user_id = ?", id).Error; err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		return s
	}
	if s := load("today"); s.CurrentDaySpent != 1 {
		t.Fatalf("today reset unexpectedly: %+v", s)
	}
	if s := load("yesterday"); s.CurrentDaySpent != 0 || s.CurrentMonthSpent != 5 {
		t.Fatalf("yesterday = %+v, want day reset only", s)
	}
	if s := load("lastmonth"); s.CurrentDaySpent != 0 || s.CurrentMonthSpent != 0 || s.BillingCycle != "2026-03" {
		t.Fatalf("lastmonth = %+v, want both reset", s)
	}

	var resets int64
	gdb.Model(&db.BillingRecord{}).Where("type = ?", db.BillingRecordReset).Count(&resets)
	if resets != 2 {
		t.Fatalf("reset records = %d, want 2", resets)
	}
}
