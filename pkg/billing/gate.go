// Package billing enforces per-user spend limits and records usage.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Rejection reasons, in evaluation order
const (
	ReasonInsufficientCredits = "Insufficient credits"
	ReasonMonthlyLimit        = "Monthly limit exceeded"
	ReasonDailyLimit          = "Daily limit exceeded"
)

const (
	DefaultPlan                = "free"
	DefaultOutputTokenEstimate = 1000
	cycleLayout                = "2006-01"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// CheckInput describes a request about to be sent to a model.
type CheckInput struct {
	UserID   string
	History  any // serialized as JSON for the size estimate
	Provider string
	Model    string
	IsPreset bool
}

// CheckResult is the outcome of the pre-flight check.
type CheckResult struct {
	CanProceed           bool            `json:"can_proceed"`
	Reason               string          `json:"reason,omitempty"`
	EstimatedInputTokens int             `json:"estimated_input_tokens"`
	EstimatedCost        float64         `json:"estimated_cost"`
	State                db.BillingState `json:"state"`
}

// UsageInput is the actual usage of a finished request.
type UsageInput struct {
	UserID         string
	ConversationID string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	Latency        time.Duration
	Metadata       map[string]any
}

// Gate estimates, checks and records spend.
type Gate struct {
	db             *gorm.DB
	outputEstimate int
	emitter        *event.Emitter
	logger         *slog.Logger
	now            func() time.Time
}

func NewGate(gdb *gorm.DB, outputTokenEstimate int) *Gate {
	if outputTokenEstimate <= 0 {
		outputTokenEstimate = DefaultOutputTokenEstimate
	}
	return &Gate{
		db:             gdb,
		outputEstimate: outputTokenEstimate,
		emitter:        event.Global(),
		logger:         utils.GetLogger(),
		now:            time.Now,
	}
}

// SetEmitter replaces the emitter billing.charged is sent to.
func (g *Gate) SetEmitter(e *event.Emitter) {
	g.emitter = e
}

// AutoMigrate creates database tables
func (g *Gate) AutoMigrate() error {
	return g.db.AutoMigrate(&db.UsageRecord{}, &db.BillingState{}, &db.BillingRecord{}, &db.PricingRule{})
}

// Cost prices a token count with rule.
func Cost(rule *db.PricingRule, inputTokens, outputTokens int) float64 {
	if rule == nil {
		return 0
	}
	return float64(inputTokens)*rule.InputPricePerMillion/1e6 +
		float64(outputTokens)*rule.OutputPricePerMillion/1e6
}

// EstimateAndCheck projects the cost of a request and checks it against the
// user's credits, monthly limit and daily limit, in that order.
func (g *Gate) EstimateAndCheck(ctx context.Context, in CheckInput) (*CheckResult, error) {
	if in.IsPreset {
		return &CheckResult{CanProceed: true}, nil
	}

	payload, err := json.Marshal(in.History)
	if err != nil {
		return nil, fmt.Errorf("serialize history: %w", err)
	}
	inputTokens := llm.EstimateTokens(string(payload))

	tx := g.db.WithContext(ctx)
	rule, err := g.findRule(tx, in.Provider, in.Model)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		g.logger.Warn("No pricing rule found, treating request as free", "provider", in.Provider, "model", in.Model)
	}
	cost := Cost(rule, inputTokens, g.outputEstimate)

	state, err := g.loadState(tx, in.UserID)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{
		CanProceed:           true,
		EstimatedInputTokens: inputTokens,
		EstimatedCost:        cost,
		State:                *state,
	}
	switch {
	case state.Credits < cost:
		result.Reason = ReasonInsufficientCredits
	case state.MonthlyLimit > 0 && state.CurrentMonthSpent+cost > state.MonthlyLimit:
		result.Reason = ReasonMonthlyLimit
	case state.DailyLimit > 0 && state.CurrentDaySpent+cost > state.DailyLimit:
		result.Reason = ReasonDailyLimit
	}
	if result.Reason != "" {
		result.CanProceed = false
		metrics.BillingRejections.WithLabelValues(result.Reason).Inc()
	}
	return result, nil
}

// RecordUsage writes the usage record and charges its cost in one transaction.
func (g *Gate) RecordUsage(ctx context.Context, in UsageInput) (*db.UsageRecord, error) {
	var meta []byte
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("serialize usage metadata: %w", err)
		}
		meta = b
	}

	now := g.now()
	record := &db.UsageRecord{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		Provider:     in.Provider,
		Model:        in.Model,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		TotalTokens:  in.InputTokens + in.OutputTokens,
		LatencyMs:    in.Latency.Milliseconds(),
		Metadata:     meta,
		CreatedAt:    now,
	}
	if in.ConversationID != "" {
		convID := in.ConversationID
		record.ConversationID = &convID
	}

	var balance float64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rule, err := g.findRule(tx, in.Provider, in.Model)
		if err != nil {
			return err
		}
		record.Cost = Cost(rule, in.InputTokens, in.OutputTokens)

		state, err := g.ensureState(tx, in.UserID)
		if err != nil {
			return err
		}

		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create usage record: %w", err)
		}

		if err := tx.Model(&db.BillingState{}).Where("user_id = ?", in.UserID).Updates(map[string]interface{}{
			"credits":             gorm.Expr("credits - ?", record.Cost),
			"total_spent":         gorm.Expr("total_spent + ?", record.Cost),
			"current_month_spent": gorm.Expr("current_month_spent + ?", record.Cost),
			"current_day_spent":   gorm.Expr("current_day_spent + ?", record.Cost),
			"updated_at":          now,
		}).Error; err != nil {
			return fmt.Errorf("update billing state: %w", err)
		}
		balance = state.Credits - record.Cost

		usageID := record.ID
		if err := tx.Create(&db.BillingRecord{
			ID:            uuid.New().String(),
			UserID:        in.UserID,
			Type:          db.BillingRecordCharge,
			Amount:        -record.Cost,
			BalanceAfter:  balance,
			UsageRecordID: &usageID,
			Description:   fmt.Sprintf("%s/%s: %d input + %d output tokens", in.Provider, in.Model, in.InputTokens, in.OutputTokens),
			CreatedAt:     now,
		}).Error; err != nil {
			return fmt.Errorf("create billing record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BillingCharges.Inc()
	if g.emitter != nil {
		g.emitter.Emit(event.BillingChargedEvent{UserID: in.UserID, Cost: record.Cost, Balance: balance})
	}
	return record, nil
}

// State returns the user's billing snapshot; a zero-credit default when none exists.
func (g *Gate) State(ctx context.Context, userID string) (*db.BillingState, error) {
	return g.loadState(g.db.WithContext(ctx), userID)
}

// TopUp adds credits and appends a TOPUP record.
func (g *Gate) TopUp(ctx context.Context, userID string, amount float64) (*db.BillingState, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var state *db.BillingState
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := g.ensureState(tx, userID)
		if err != nil {
			return err
		}
		if err := tx.Model(&db.BillingState{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
			"credits":    gorm.Expr("credits + ?", amount),
			"updated_at": g.now(),
		}).Error; err != nil {
			return fmt.Errorf("update billing state: %w", err)
		}
		s.Credits += amount
		if err := tx.Create(&db.BillingRecord{
			ID:           uuid.New().String(),
			UserID:       userID,
			Type:         db.BillingRecordTopUp,
			Amount:       amount,
			BalanceAfter: s.Credits,
			Description:  "Credit top-up",
			CreatedAt:    g.now(),
		}).Error; err != nil {
			return fmt.Errorf("create billing record: %w", err)
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ResetCounters zeroes daily spend for states not reset today and monthly
// spend for states from an earlier billing cycle. Returns the number of states reset.
func (g *Gate) ResetCounters(ctx context.Context, now time.Time) (int, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cycle := now.Format(cycleLayout)

	var reset int
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var states []db.BillingState
		if err := tx.Where("last_reset_date < ? OR billing_cycle <> ?", today, cycle).Find(&states).Error; err != nil {
			return fmt.Errorf("find billing states: %w", err)
		}
		for _, s := range states {
			updates := map[string]interface{}{"updated_at": now}
			var desc string
			if s.LastResetDate.Before(today) {
				updates["current_day_spent"] = 0
				updates["last_reset_date"] = now
				desc = "daily"
			}
			if s.BillingCycle != cycle {
				updates["current_month_spent"] = 0
				updates["billing_cycle"] = cycle
				if desc != "" {
					desc += "+"
				}
				desc += "monthly"
			}
			if err := tx.Model(&db.BillingState{}).Where("user_id = ?", s.UserID).Updates(updates).Error; err != nil {
				return fmt.Errorf("reset billing state %s: %w", s.UserID, err)
			}
			if err := tx.Create(&db.BillingRecord{
				ID:           uuid.New().String(),
				UserID:       s.UserID,
				Type:         db.BillingRecordReset,
				BalanceAfter: s.Credits,
				Description:  desc + " counter reset",
				CreatedAt:    now,
			}).Error; err != nil {
				return fmt.Errorf("create reset record: %w", err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// findRule returns the most recent active rule in effect now, or nil.
func (g *Gate) findRule(tx *gorm.DB, provider, model string) (*db.PricingRule, error) {
	now := g.now()
	var rule db.PricingRule
	err := tx.
		Where("provider = ? AND model = ? AND active = ?", provider, model, true).
		Where("effective_from <= ?", now).
		Where("(effective_to IS NULL OR effective_to > ?)", now).
		Order("effective_from DESC").
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pricing rule: %w", err)
	}
	return &rule, nil
}

func (g *Gate) defaultState(userID string) db.BillingState {
	now := g.now()
	return db.BillingState{
		UserID:        userID,
		Plan:          DefaultPlan,
		BillingCycle:  now.Format(cycleLayout),
		LastResetDate: now,
	}
}

func (g *Gate) loadState(tx *gorm.DB, userID string) (*db.BillingState, error) {
	var state db.BillingState
	err := tx.First(&state, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s := g.defaultState(userID)
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load billing state: %w", err)
	}
	return &state, nil
}

func (g *Gate) ensureState(tx *gorm.DB, userID string) (*db.BillingState, error) {
	var state db.BillingState
	if err := tx.Where(db.BillingState{UserID: userID}).Attrs(g.defaultState(userID)).FirstOrCreate(&state).Error; err != nil {
		return nil, fmt.Errorf("load billing state: %w", err)
	}
	return &state, nil
}

// AddPricingRule stores a pricing rule.
func (g *Gate) AddPricingRule(ctx context.Context, rule *db.PricingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = g.now()
	}
	if err := g.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("create pricing rule: %w", err)
	}
	return nil
}
