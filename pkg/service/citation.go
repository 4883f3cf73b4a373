package service

import (
	"sync"

	"github.com/choraleia/parley/pkg/db"
)

// CitationAggregator collects the sources cited during one assistant turn.
// Citations are unique by URL; the first occurrence wins and keeps its id.
type CitationAggregator struct {
	mu    sync.Mutex
	items []db.Citation
	seen  map[string]struct{}
}

func NewCitationAggregator() *CitationAggregator {
	return &CitationAggregator{seen: make(map[string]struct{})}
}

// Add appends c unless its URL was already collected. Citations without a
// URL are dropped.
func (a *CitationAggregator) Add(c db.Citation) bool {
	if c.URL == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[c.URL]; ok {
		return false
	}
	a.seen[c.URL] = struct{}{}
	a.items = append(a.items, c)
	return true
}

// AddAll adds cs in order and returns how many were new.
func (a *CitationAggregator) AddAll(cs []db.Citation) int {
	added := 0
	for _, c := range cs {
		if a.Add(c) {
			added++
		}
	}
	return added
}

// All returns a copy in first-seen order.
func (a *CitationAggregator) All() []db.Citation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.items) == 0 {
		return nil
	}
	out := make([]db.Citation, len(a.items))
	copy(out, a.items)
	return out
}

func (a *CitationAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
