// Package llm builds provider adapters behind the eino chat model interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/choraleia/parley/pkg/config"
	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported model provider")
	ErrNilModelConfig      = errors.New("model config is nil")
)

const defaultClaudeMaxTokens = 8192

// Credentials the adapter is built with.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// ChatModelFactory is the capability the chat service depends on.
type ChatModelFactory interface {
	CreateChatModel(ctx context.Context, m *db.ModelConfig) (einoModel.ToolCallingChatModel, error)
}

// Factory creates one adapter per provider. Preset models run on platform
// credentials from config; user models carry their own.
type Factory struct {
	cfg    *config.AppConfig
	logger *slog.Logger
}

func NewFactory(cfg *config.AppConfig) *Factory {
	return &Factory{cfg: cfg, logger: utils.GetLogger()}
}

// ResolveCredentials picks platform or user credentials for m.
func (f *Factory) ResolveCredentials(m *db.ModelConfig) Credentials {
	creds := Credentials{BaseURL: m.BaseURL, APIKey: m.APIKey}
	if !m.IsPreset {
		return creds
	}
	platform := f.cfg.Provider(m.Provider)
	if platform.APIKey != "" {
		creds.APIKey = platform.APIKey
	}
	if platform.BaseURL != "" {
		creds.BaseURL = platform.BaseURL
	}
	return creds
}

// CreateChatModel creates an eino chat model from config
func (f *Factory) CreateChatModel(ctx context.Context, m *db.ModelConfig) (einoModel.ToolCallingChatModel, error) {
	if m == nil {
		return nil, ErrNilModelConfig
	}
	creds := f.ResolveCredentials(m)

	switch m.Provider {
	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: creds.BaseURL,
			APIKey:  creds.APIKey,
			Model:   m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := time.Second * 600
		retries := 3
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    creds.BaseURL,
			Region:     m.ExtraString("region"),
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     creds.APIKey,
			Model:      m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: creds.BaseURL,
			APIKey:  creds.APIKey,
			Model:   m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		maxTokens := m.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		var baseURL *string
		if creds.BaseURL != "" {
			baseURL = &creds.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    creds.APIKey,
			Model:     m.Model,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: creds.BaseURL,
			Model:   m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  creds.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = creds.BaseURL
		qianfanConfig.BearerToken = creds.APIKey
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: creds.BaseURL,
			APIKey:  creds.APIKey,
			Model:   m.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, m.Provider)
	}
}
