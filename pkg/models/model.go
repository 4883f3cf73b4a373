package models

import (
	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/utils"
)

type ModelConfig = db.ModelConfig

// SupportedModelProviders supported model providers
var SupportedModelProviders = map[string]struct{}{
	"openai":    {},
	"deepseek":  {},
	"anthropic": {},
	"google":    {},
	"ark":       {},
	"ollama":    {},
	"qianfan":   {},
	"qwen":      {},
	"custom":    {},
}

// ModelView is a ModelConfig safe to return to clients.
type ModelView struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	IsPreset  bool   `json:"is_preset"`
	Enabled   bool   `json:"enabled"`
	Active    bool   `json:"active"`
	MaxTokens int    `json:"max_tokens"`
}

// NewModelView masks credentials.
func NewModelView(m *db.ModelConfig) ModelView {
	return ModelView{
		ID:        m.ID,
		Provider:  m.Provider,
		Model:     m.Model,
		Name:      m.Name,
		BaseURL:   m.BaseURL,
		APIKey:    utils.MaskSensitiveString(m.APIKey),
		IsPreset:  m.IsPreset,
		Enabled:   m.Enabled,
		Active:    m.Active,
		MaxTokens: m.MaxTokens,
	}
}
