// Web search tool producing numbered citations
package websearch

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/search"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const ToolIDWebSearch tools.ToolID = "webSearch"

func init() {
	tools.Register(tools.ToolDefinition{
		ID:          ToolIDWebSearch,
		Name:        "webSearch",
		Description: "Search the web for up-to-date information.",
		Category:    tools.CategorySearch,
		Feature:     tools.FeatureWebSearch,
	}, newWebSearchTool)
}

type WebSearchInput struct {
	Query string `json:"query"`
}

// Numberer hands out citation numbers for one chat turn. A URL keeps the
// number it was first given, so repeated searches cite consistently.
type Numberer struct {
	mu   sync.Mutex
	ids  map[string]int
	next int
}

func NewNumberer() *Numberer {
	return &Numberer{ids: make(map[string]int)}
}

// ID returns the number for url, assigning the next one on first sight.
func (n *Numberer) ID(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.ids[url]; ok {
		return id
	}
	n.next++
	n.ids[url] = n.next
	return n.next
}

// Format numbers results in result order and renders them as a markdown
// list the model can cite by number. A nil numberer numbers 1..n.
func Format(results []search.Result, numberer *Numberer) tools.SearchOutput {
	if numberer == nil {
		numberer = NewNumberer()
	}
	out := tools.SearchOutput{Citations: make([]db.Citation, 0, len(results))}
	if len(results) == 0 {
		out.Text = "No results found."
		return out
	}

	var b strings.Builder
	for _, r := range results {
		id := numberer.ID(r.URL)
		title := r.Title
		if title == "" {
			title = r.URL
		}
		out.Citations = append(out.Citations, db.Citation{
			ID:        id,
			URL:       r.URL,
			Title:     title,
			Snippet:   r.Snippet,
			Thumbnail: r.Thumbnail,
		})
		b.WriteString("[")
		b.WriteString(strconv.Itoa(id))
		b.WriteString("] [")
		b.WriteString(title)
		b.WriteString("](")
		b.WriteString(r.URL)
		b.WriteString(")")
		if r.Snippet != "" {
			b.WriteString(" - ")
			b.WriteString(r.Snippet)
		}
		b.WriteString("\n")
	}
	out.Text = strings.TrimSuffix(b.String(), "\n")
	return out
}

func newWebSearchTool(tc *tools.ToolContext) tool.InvokableTool {
	searcher := tc.Searcher
	limit := tc.SearchLimit()
	numberer := NewNumberer()

	return utils.NewTool(&schema.ToolInfo{
		Name: "webSearch",
		Desc: "Search the web for current information. Cite results inline by their [n] number.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "Free-text search query",
				Required: true,
			},
		}),
	}, func(ctx context.Context, input *WebSearchInput) (string, error) {
		if searcher == nil {
			return tools.FormatJSON(tools.SearchOutput{Error: tools.ErrorString("web search is not available")}), nil
		}
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return tools.FormatJSON(tools.SearchOutput{Error: tools.ErrorString("query is required")}), nil
		}
		results, err := searcher.Search(ctx, query, limit)
		if err != nil {
			return tools.FormatJSON(tools.SearchOutput{Error: tools.ErrorString("search failed: %v", err)}), nil
		}
		return tools.FormatJSON(Format(results, numberer)), nil
	})
}
