// Thinking step tool that surfaces reasoning progress to the caller
package thinking

import (
	"context"
	"strings"

	"github.com/choraleia/parley/pkg/tools"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const ToolIDThinkingStep tools.ToolID = "thinkingStep"

func init() {
	tools.Register(tools.ToolDefinition{
		ID:          ToolIDThinkingStep,
		Name:        "thinkingStep",
		Description: "Report a reasoning step or task to the user.",
		Category:    tools.CategoryReasoning,
		Feature:     tools.FeatureEnableThinking,
	}, newThinkingStepTool)
}

// Step types
const (
	StepTypeChainOfThought = "chain-of-thought"
	StepTypeTask           = "task"
)

// Step statuses
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusComplete = "complete"
)

type SearchResultRef struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

type ThinkingStepInput struct {
	Type          string            `json:"type"`
	ID            string            `json:"id"`
	Label         string            `json:"label"`
	Status        string            `json:"status"`
	SearchResults []SearchResultRef `json:"searchResults,omitempty"`
	Files         []string          `json:"files,omitempty"`
}

type ThinkingStepOutput struct {
	ThinkingStepInput
	Acknowledged bool `json:"acknowledged"`
}

// Validate checks a step descriptor; the returned message is shown to the model.
func Validate(in *ThinkingStepInput) string {
	switch in.Type {
	case StepTypeChainOfThought, StepTypeTask:
	default:
		return "type must be chain-of-thought or task"
	}
	if strings.TrimSpace(in.ID) == "" {
		return "id is required"
	}
	if strings.TrimSpace(in.Label) == "" {
		return "label is required"
	}
	switch in.Status {
	case StatusPending, StatusActive, StatusComplete:
	default:
		return "status must be pending, active or complete"
	}
	for _, r := range in.SearchResults {
		if r.URL == "" {
			return "searchResults entries require a url"
		}
	}
	return ""
}

func newThinkingStepTool(_ *tools.ToolContext) tool.InvokableTool {
	return utils.NewTool(&schema.ToolInfo{
		Name: "thinkingStep",
		Desc: "Show the user what you are doing. Call it when starting a step (status active) and when it is done (status complete). Reuse the same id to update a step.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"type": {
				Type:     schema.String,
				Desc:     "Step kind",
				Required: true,
				Enum:     []string{StepTypeChainOfThought, StepTypeTask},
			},
			"id": {
				Type:     schema.String,
				Desc:     "Unique step id",
				Required: true,
			},
			"label": {
				Type:     schema.String,
				Desc:     "Short description shown to the user",
				Required: true,
			},
			"status": {
				Type:     schema.String,
				Desc:     "Step status",
				Required: true,
				Enum:     []string{StatusPending, StatusActive, StatusComplete},
			},
			"searchResults": {
				Type: schema.Array,
				Desc: "Sources consulted in this step",
				ElemInfo: &schema.ParameterInfo{
					Type: schema.Object,
					SubParams: map[string]*schema.ParameterInfo{
						"title": {Type: schema.String},
						"url":   {Type: schema.String, Required: true},
					},
				},
			},
			"files": {
				Type:     schema.Array,
				Desc:     "Files touched in this step",
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
		}),
	}, func(ctx context.Context, input *ThinkingStepInput) (string, error) {
		if msg := Validate(input); msg != "" {
			return tools.ErrorString("%s", msg), nil
		}
		return tools.FormatJSON(ThinkingStepOutput{ThinkingStepInput: *input, Acknowledged: true}), nil
	})
}
