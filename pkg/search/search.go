// Package search queries an external web search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultEndpoint = "https://api.tavily.com/search"
	defaultTimeout  = 15 * time.Second
	maxBodyBytes    = 4 << 20
)

var ErrNotConfigured = errors.New("web search is not configured")

// Result is one search hit.
type Result struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Searcher runs a web query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// HTTPSearcher talks to a Tavily-compatible JSON endpoint.
type HTTPSearcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPSearcher(endpoint, apiKey string) *HTTPSearcher {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	return &HTTPSearcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeImages bool   `json:"include_images,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title     string `json:"title"`
		URL       string `json:"url"`
		Content   string `json:"content"`
		Thumbnail string `json:"thumbnail"`
	} `json:"results"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if s.apiKey == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(searchRequest{APIKey: s.apiKey, Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, errors.Wrap(err, "encode search request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build search request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read search response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, Result{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Content,
			Thumbnail: r.Thumbnail,
		})
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

// Static returns canned results per query; unknown queries get Default.
type Static struct {
	ByQuery map[string][]Result
	Default []Result
	Err     error
}

func (s *Static) Search(_ context.Context, query string, maxResults int) ([]Result, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	results, ok := s.ByQuery[query]
	if !ok {
		results = s.Default
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	out := make([]Result, len(results))
	copy(out, results)
	return out, nil
}
