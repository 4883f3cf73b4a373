package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrModelNotFound       = errors.New("model not found")
	ErrModelNotConfigured  = errors.New("no enabled model configured")
	ErrInvalidModelRequest = errors.New("invalid model config")
)

// ImageFactory is implemented by factories that can also build image adapters.
type ImageFactory interface {
	CreateImageGenerator(m *db.ModelConfig) (llm.ImageGenerator, error)
}

// ModelService stores the models users can chat with. Preset models have no
// owner and are visible to everyone.
type ModelService struct {
	db      *gorm.DB
	factory llm.ChatModelFactory
	logger  *slog.Logger
}

func NewModelService(database *gorm.DB, factory llm.ChatModelFactory) *ModelService {
	return &ModelService{
		db:      database,
		factory: factory,
		logger:  utils.GetLogger(),
	}
}

// AutoMigrate creates database tables
func (s *ModelService) AutoMigrate() error {
	return s.db.AutoMigrate(&db.ModelConfig{})
}

// visible scopes a query to the user's own models plus presets.
func visible(userID string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("(user_id = ? OR is_preset = ?)", userID, true)
	}
}

// GetModel returns a model the user may use, by id.
func (s *ModelService) GetModel(ctx context.Context, id, userID string) (*db.ModelConfig, error) {
	var m db.ModelConfig
	err := s.db.WithContext(ctx).Scopes(visible(userID)).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &m, nil
}

// ResolveModel returns the requested model, or the user's default when id is empty.
func (s *ModelService) ResolveModel(ctx context.Context, id, userID string) (*db.ModelConfig, error) {
	if id != "" {
		m, err := s.GetModel(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if !m.Enabled {
			return nil, fmt.Errorf("%w: %s is disabled", ErrModelNotFound, id)
		}
		return m, nil
	}
	return s.FirstEnabledModel(ctx, userID)
}

// FirstEnabledModel returns the oldest enabled and active model of the user,
// falling back to presets.
func (s *ModelService) FirstEnabledModel(ctx context.Context, userID string) (*db.ModelConfig, error) {
	var m db.ModelConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ? AND active = ?", userID, true, true).
		Order("created_at ASC").
		First(&m).Error
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load model: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("is_preset = ? AND enabled = ? AND active = ?", true, true, true).
		Order("created_at ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrModelNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("load preset model: %w", err)
	}
	return &m, nil
}

// ListModels returns the user's models and presets, oldest first.
func (s *ModelService) ListModels(ctx context.Context, userID string) ([]db.ModelConfig, error) {
	var list []db.ModelConfig
	if err := s.db.WithContext(ctx).Scopes(visible(userID)).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return list, nil
}

// CreateModel validates and stores a user model.
func (s *ModelService) CreateModel(ctx context.Context, m *db.ModelConfig) error {
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	m.Model = strings.TrimSpace(m.Model)
	if _, ok := models.SupportedModelProviders[m.Provider]; !ok {
		return fmt.Errorf("%w: unsupported provider %q", ErrInvalidModelRequest, m.Provider)
	}
	if m.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidModelRequest)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Name == "" {
		m.Name = m.Model
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	return nil
}

// DeleteModel removes a model owned by the user. Presets cannot be deleted.
func (s *ModelService) DeleteModel(ctx context.Context, id, userID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_preset = ?", id, userID, false).
		Delete(&db.ModelConfig{})
	if res.Error != nil {
		return fmt.Errorf("delete model: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return nil
}

// TestConnection sends a one-word prompt through the provider adapter.
func (s *ModelService) TestConnection(ctx context.Context, m *db.ModelConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	chatModel, err := s.factory.CreateChatModel(ctx, m)
	if err != nil {
		return fmt.Errorf("model init failed: %w", err)
	}
	if _, err := chatModel.Generate(ctx, []*schema.Message{schema.UserMessage("Hi")}); err != nil {
		s.logger.Warn("Model connection test failed", "provider", m.Provider, "model", m.Model, "error", err)
		return fmt.Errorf("connection failed: %w", err)
	}
	return nil
}

// GenerateImage renders prompt with the image endpoint of m's provider.
func (s *ModelService) GenerateImage(ctx context.Context, m *db.ModelConfig, prompt, size string) (*llm.Image, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidModelRequest)
	}
	images, ok := s.factory.(ImageFactory)
	if !ok {
		return nil, fmt.Errorf("%w: %s", llm.ErrImageUnsupported, m.Provider)
	}
	gen, err := images.CreateImageGenerator(m)
	if err != nil {
		return nil, err
	}
	img, err := gen.GenerateImage(ctx, prompt, size)
	if err != nil {
		s.logger.Warn("Image generation failed", "provider", m.Provider, "model", m.Model, "error", err)
		return nil, err
	}
	return img, nil
}
