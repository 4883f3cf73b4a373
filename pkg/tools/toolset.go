package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/choraleia/parley/pkg/db"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ToolSet is the tools of one request.
type ToolSet struct {
	tools  []tool.InvokableTool
	byName map[string]tool.InvokableTool
	search map[string]bool
}

func newToolSet() *ToolSet {
	return &ToolSet{
		byName: make(map[string]tool.InvokableTool),
		search: make(map[string]bool),
	}
}

// NewToolSet wraps arbitrary tools; none are treated as search tools.
func NewToolSet(ctx context.Context, ts ...tool.InvokableTool) (*ToolSet, error) {
	set := newToolSet()
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		set.add(ToolDefinition{Name: info.Name, Category: CategoryUtility}, t)
	}
	return set, nil
}

func (s *ToolSet) add(def ToolDefinition, t tool.InvokableTool) {
	s.tools = append(s.tools, t)
	s.byName[def.Name] = t
	if def.Category == CategorySearch {
		s.search[def.Name] = true
	}
}

// Len returns the number of tools.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Tools returns the tools in order.
func (s *ToolSet) Tools() []tool.InvokableTool {
	if s == nil {
		return nil
	}
	return s.tools
}

// Get looks a tool up by the name the model calls it with.
func (s *ToolSet) Get(name string) (tool.InvokableTool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// Names lists tool names in order.
func (s *ToolSet) Names(ctx context.Context) []string {
	infos, _ := s.Infos(ctx)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// Infos returns the tool schemas sent to the model.
func (s *ToolSet) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	if s == nil {
		return nil, nil
	}
	infos := make([]*schema.ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// IsSearchTool reports whether name's output carries citations.
func (s *ToolSet) IsSearchTool(name string) bool {
	return s != nil && s.search[name]
}

// SearchOutput is the result shape of search tools.
type SearchOutput struct {
	Text      string        `json:"text"`
	Citations []db.Citation `json:"citations"`
	Error     string        `json:"error,omitempty"`
}

// ParseSearchOutput extracts citations from the output of a search tool.
// Outputs of other tools, and unparseable outputs, yield nil.
func (s *ToolSet) ParseSearchOutput(name, output string) []db.Citation {
	if !s.IsSearchTool(name) {
		return nil
	}
	var out SearchOutput
	if err := json.Unmarshal([]byte(output), &out); err != nil {
		return nil
	}
	return out.Citations
}

// ErrorString formats a user-facing tool failure.
func ErrorString(format string, args ...any) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// FormatJSON marshals v for tool output.
func FormatJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorString("failed to encode output: %v", err)
	}
	return string(data)
}
