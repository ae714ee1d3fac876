// Package router implements C5 Orchestrator and C6 CategoryRouter: the
// fixed-priority routing cascade that decides which agents respond to a
// message, plus cooldown and chain-window loop prevention. Grounded on
// zkoranges-go-claw/internal/agent/registry.go's RWMutex-protected config map
// and internal/policy/policy.go's compiled-pattern specificity caching.
package router

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Category is one entry of the CategoryRouter's config (spec.md §4.6).
type Category struct {
	Name     string
	Priority int
	Patterns []string
	AgentIDs []string
}

// CategoryRouter compiles Category.Patterns once and caches them, matching
// categories in descending priority order.
type CategoryRouter struct {
	mu         sync.RWMutex
	categories []Category

	compileMu sync.Mutex
	compiled  map[string][]*regexp.Regexp // category name -> compiled patterns
}

// NewCategoryRouter builds a router over categories, sorting them by
// descending priority once up front (spec.md §4.6).
func NewCategoryRouter(categories []Category) *CategoryRouter {
	sorted := make([]Category, len(categories))
	copy(sorted, categories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &CategoryRouter{
		categories: sorted,
		compiled:   make(map[string][]*regexp.Regexp),
	}
}

// SetCategories replaces the category list, e.g. on config reload.
func (r *CategoryRouter) SetCategories(categories []Category) {
	sorted := make([]Category, len(categories))
	copy(sorted, categories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	r.mu.Lock()
	r.categories = sorted
	r.mu.Unlock()

	r.compileMu.Lock()
	r.compiled = make(map[string][]*regexp.Regexp)
	r.compileMu.Unlock()
}

func (r *CategoryRouter) patternsFor(cat Category) []*regexp.Regexp {
	r.compileMu.Lock()
	defer r.compileMu.Unlock()
	if cached, ok := r.compiled[cat.Name]; ok {
		return cached
	}
	compiled := make([]*regexp.Regexp, 0, len(cat.Patterns))
	for _, p := range cat.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	r.compiled[cat.Name] = compiled
	return compiled
}

// Match returns the first category (in priority order) with a pattern
// matching content, filtered to the available agent set. Returns ok=false if
// nothing matches or the matched category's agents are all unavailable.
func (r *CategoryRouter) Match(content string, available map[string]bool) (category string, agentIDs []string, ok bool) {
	r.mu.RLock()
	categories := r.categories
	r.mu.RUnlock()

	for _, cat := range categories {
		for _, re := range r.patternsFor(cat) {
			if !re.MatchString(content) {
				continue
			}
			matched := make([]string, 0, len(cat.AgentIDs))
			for _, id := range cat.AgentIDs {
				if available[id] {
					matched = append(matched, id)
				}
			}
			if len(matched) > 0 {
				return cat.Name, matched, true
			}
			break
		}
	}
	return "", nil, false
}

func lowerContains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
