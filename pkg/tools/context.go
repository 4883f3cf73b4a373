package tools

import "github.com/choraleia/parley/pkg/search"

const defaultMaxSearchResults = 8

// ToolContext provides services and context needed by tools
type ToolContext struct {
	Searcher         search.Searcher
	MaxSearchResults int
}

// NewToolContext creates a new tool context
func NewToolContext(searcher search.Searcher, maxResults int) *ToolContext {
	return &ToolContext{Searcher: searcher, MaxSearchResults: maxResults}
}

// SearchLimit returns the configured result limit.
func (c *ToolContext) SearchLimit() int {
	if c == nil || c.MaxSearchResults <= 0 {
		return defaultMaxSearchResults
	}
	return c.MaxSearchResults
}
