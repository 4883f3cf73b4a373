// Package tools provides the built-in tools offered to the model during a chat turn.
package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/tool"
)

// ToolID identifies a built-in tool
type ToolID string

// ToolCategory represents the category of a tool
type ToolCategory string

// Tool categories
const (
	CategoryUtility   ToolCategory = "utility"
	CategorySearch    ToolCategory = "search"
	CategoryReasoning ToolCategory = "reasoning"
)

// Feature gates a tool behind a request option. Empty means always on.
type Feature string

const (
	FeatureAlways         Feature = ""
	FeatureWebSearch      Feature = "web_search"
	FeatureEnableThinking Feature = "enable_thinking"
)

// ToolDefinition describes a built-in tool
type ToolDefinition struct {
	ID          ToolID       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Feature     Feature      `json:"feature,omitempty"`
}

// ToolFactory is a function that creates a tool instance
type ToolFactory func(ctx *ToolContext) tool.InvokableTool

// Options selects the conditional tools of one request.
type Options struct {
	WebSearch      bool
	EnableThinking bool
}

func (o Options) enabled(f Feature) bool {
	switch f {
	case FeatureAlways:
		return true
	case FeatureWebSearch:
		return o.WebSearch
	case FeatureEnableThinking:
		return o.EnableThinking
	default:
		return false
	}
}

// Registry builds tool sets from registered definitions
type Registry struct {
	definitions map[ToolID]ToolDefinition
	factories   map[ToolID]ToolFactory
	toolCtx     *ToolContext
	mu          sync.RWMutex
}

// Global registry instance
var globalRegistry = &Registry{
	definitions: make(map[ToolID]ToolDefinition),
	factories:   make(map[ToolID]ToolFactory),
}

// Register registers a tool with its definition and factory
func Register(def ToolDefinition, factory ToolFactory) {
	globalRegistry.register(def, factory)
}

func (r *Registry) register(def ToolDefinition, factory ToolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.ID] = def
	r.factories[def.ID] = factory
}

// NewRegistry returns a registry holding every globally registered tool,
// bound to the given context.
func NewRegistry(tc *ToolContext) *Registry {
	if tc == nil {
		tc = &ToolContext{}
	}
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	r := &Registry{
		definitions: make(map[ToolID]ToolDefinition, len(globalRegistry.definitions)),
		factories:   make(map[ToolID]ToolFactory, len(globalRegistry.factories)),
		toolCtx:     tc,
	}
	for id, def := range globalRegistry.definitions {
		r.definitions[id] = def
		r.factories[id] = globalRegistry.factories[id]
	}
	return r
}

// BuildTools assembles the tools enabled by opts, ordered by ID.
func (r *Registry) BuildTools(opts Options) *ToolSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ToolID, 0, len(r.definitions))
	for id, def := range r.definitions {
		if opts.enabled(def.Feature) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	set := newToolSet()
	for _, id := range ids {
		def := r.definitions[id]
		set.add(def, r.factories[id](r.toolCtx))
	}
	return set
}

// GetTool returns an invokable tool by ID
func (r *Registry) GetTool(id ToolID) (tool.InvokableTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[id]
	if !exists {
		return nil, fmt.Errorf("unknown tool: %s", id)
	}
	return factory(r.toolCtx), nil
}

// ListToolDefinitions returns all available tool definitions sorted by category and name
func (r *Registry) ListToolDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ToolDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		result = append(result, def)
	}

	// Sort by category, then by name
	sort.Slice(result, func(i, j int) bool {
		if result[i].Category != result[j].Category {
			return result[i].Category < result[j].Category
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// IsRegistered checks if a tool ID is registered
func IsRegistered(id ToolID) bool {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	_, exists := globalRegistry.definitions[id]
	return exists
}
