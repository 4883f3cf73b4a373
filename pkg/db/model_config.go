// Database models for configured language models
package db

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ModelConfig is a model a user can chat with. Preset models run on platform
// credentials and are exempt from per-user billing checks.
type ModelConfig struct {
	ID        string         `json:"id" gorm:"primaryKey;size:36"`
	UserID    string         `json:"user_id" gorm:"index;size:64"`
	Provider  string         `json:"provider" gorm:"size:50;not null"`
	Model     string         `json:"model" gorm:"size:100;not null"` // Model identifier
	Name      string         `json:"name" gorm:"size:100"`            // Display name
	BaseURL   string         `json:"base_url,omitempty" gorm:"size:500"`
	APIKey    string         `json:"api_key,omitempty" gorm:"size:500"`
	IsPreset  bool           `json:"is_preset"`
	Enabled   bool           `json:"enabled"`
	Active    bool           `json:"active"`
	MaxTokens int            `json:"max_tokens"`
	Extra     datatypes.JSON `json:"extra,omitempty" gorm:"type:text"` // Vendor-specific fields
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (ModelConfig) TableName() string {
	return "model_configs"
}

// ExtraString reads a string value from Extra; empty if absent.
func (m *ModelConfig) ExtraString(key string) string {
	if m == nil || len(m.Extra) == 0 {
		return ""
	}
	var extra map[string]interface{}
	if err := json.Unmarshal(m.Extra, &extra); err != nil {
		return ""
	}
	v, _ := extra[key].(string)
	return v
}
