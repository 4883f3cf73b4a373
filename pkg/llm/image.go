package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/choraleia/parley/pkg/db"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var ErrImageUnsupported = errors.New("image generation not supported for provider")

const (
	defaultImageModel = "dall-e-3"
	defaultImageSize  = "1024x1024"
)

// Image is one generated picture, either inline base64 or a hosted URL.
type Image struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerator produces images from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, size string) (*Image, error)
}

type openAIImageGenerator struct {
	client openai.Client
	model  string
}

// CreateImageGenerator returns the image adapter for m. Only OpenAI-compatible
// providers can generate images.
func (f *Factory) CreateImageGenerator(m *db.ModelConfig) (ImageGenerator, error) {
	if m == nil {
		return nil, ErrNilModelConfig
	}
	switch m.Provider {
	case "openai", "custom":
	default:
		return nil, fmt.Errorf("%w: %s", ErrImageUnsupported, m.Provider)
	}

	creds := f.ResolveCredentials(m)
	opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	model := m.ExtraString("image_model")
	if model == "" {
		model = defaultImageModel
	}
	return &openAIImageGenerator{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (g *openAIImageGenerator) GenerateImage(ctx context.Context, prompt, size string) (*Image, error) {
	if size == "" {
		size = defaultImageSize
	}
	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.model),
		Size:           openai.ImageGenerateParamsSize(size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		N:              openai.Int(1),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI image API error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("OpenAI image API returned no images")
	}
	img := resp.Data[0]
	return &Image{
		B64JSON:       img.B64JSON,
		URL:           img.URL,
		RevisedPrompt: img.RevisedPrompt,
	}, nil
}
