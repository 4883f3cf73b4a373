// Database models for usage accounting and billing
package db

import (
	"time"

	"gorm.io/datatypes"
)

// UsageRecord is written once per billed request and never updated.
type UsageRecord struct {
	ID             string         `json:"id" gorm:"primaryKey;size:36"`
	UserID         string         `json:"user_id" gorm:"index;size:64;not null"`
	ConversationID *string        `json:"conversation_id,omitempty" gorm:"index;size:36"`
	Provider       string         `json:"provider" gorm:"size:50"`
	Model          string         `json:"model" gorm:"size:100"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	TotalTokens    int            `json:"total_tokens"`
	Cost           float64        `json:"cost"`
	LatencyMs      int64          `json:"latency_ms"`
	Metadata       datatypes.JSON `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// BillingState is the per-user balance and spend counters.
type BillingState struct {
	UserID            string    `json:"user_id" gorm:"primaryKey;size:64"`
	Plan              string    `json:"plan" gorm:"size:30;default:'free'"`
	Credits           float64   `json:"credits"`
	TotalSpent        float64   `json:"total_spent"`
	CurrentMonthSpent float64   `json:"current_month_spent"`
	CurrentDaySpent   float64   `json:"current_day_spent"`
	MonthlyLimit      float64   `json:"monthly_limit"` // 0 = unlimited
	DailyLimit        float64   `json:"daily_limit"`   // 0 = unlimited
	BillingCycle      string    `json:"billing_cycle" gorm:"size:7"` // YYYY-MM
	LastResetDate     time.Time `json:"last_reset_date"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (BillingState) TableName() string {
	return "billing_states"
}

// Billing record types
const (
	BillingRecordCharge = "CHARGE"
	BillingRecordTopUp  = "TOPUP"
	BillingRecordReset  = "RESET"
)

// BillingRecord is the append-only audit trail of balance changes.
type BillingRecord struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	UserID        string    `json:"user_id" gorm:"index;size:64;not null"`
	Type          string    `json:"type" gorm:"size:20;not null"`
	Amount        float64   `json:"amount"`
	BalanceAfter  float64   `json:"balance_after"`
	UsageRecordID *string   `json:"usage_record_id,omitempty" gorm:"size:36"`
	Description   string    `json:"description,omitempty" gorm:"size:500"`
	CreatedAt     time.Time `json:"created_at"`
}

func (BillingRecord) TableName() string {
	return "billing_records"
}

// PricingRule prices one provider/model for an effective date range.
type PricingRule struct {
	ID                    string     `json:"id" gorm:"primaryKey;size:36"`
	Provider              string     `json:"provider" gorm:"index:idx_pricing_lookup,priority:1;size:50;not null"`
	Model                 string     `json:"model" gorm:"index:idx_pricing_lookup,priority:2;size:100;not null"`
	InputPricePerMillion  float64    `json:"input_price_per_million"`
	OutputPricePerMillion float64    `json:"output_price_per_million"`
	EffectiveFrom         time.Time  `json:"effective_from" gorm:"index:idx_pricing_lookup,priority:3"`
	EffectiveTo           *time.Time `json:"effective_to,omitempty"`
	Active                bool       `json:"active"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (PricingRule) TableName() string {
	return "pricing_rules"
}
