package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Search depths accepted by web_search.
const (
	DepthBasic    = "basic"
	DepthAdvanced = "advanced"
)

const (
	defaultMaxResults = 10
	maxMaxResults     = 20
)

var errNoSearchProvider = errors.New("no search provider configured")

type SearchInput struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"maxResults,omitempty"`
	SearchDepth string `json:"searchDepth,omitempty"`
}

type SearchOutput struct {
	Query       string         `json:"query"`
	Results     []SearchResult `json:"results"`
	TotalFound  int            `json:"totalFound"`
	SearchDepth string         `json:"searchDepth"`
	Provider    string         `json:"provider,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// normalize fills defaults and rejects bad input.
func (in SearchInput) normalize() (SearchInput, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return in, fmt.Errorf("empty search query")
	}
	if in.MaxResults <= 0 {
		in.MaxResults = defaultMaxResults
	}
	if in.MaxResults > maxMaxResults {
		in.MaxResults = maxMaxResults
	}
	switch strings.ToLower(strings.TrimSpace(in.SearchDepth)) {
	case "", DepthBasic:
		in.SearchDepth = DepthBasic
	case DepthAdvanced:
		in.SearchDepth = DepthAdvanced
	default:
		return in, fmt.Errorf("searchDepth must be %q or %q, got %q", DepthBasic, DepthAdvanced, in.SearchDepth)
	}
	return in, nil
}

func searchCacheKey(in SearchInput) string {
	return fmt.Sprintf("%s|%d|%s", in.SearchDepth, in.MaxResults, strings.ToLower(in.Query))
}

// search routes a query through the ordered providers: skip unavailable,
// fall through on error, first success wins. Results are deduplicated by
// normalized URL, given snippets, capped at MaxResults and cached.
func (r *Registry) search(ctx context.Context, in SearchInput) (SearchOutput, error) {
	in, err := in.normalize()
	if err != nil {
		return SearchOutput{}, err
	}
	key := searchCacheKey(in)
	if cached, ok := r.cache.Get(key); ok {
		out := cached.(SearchOutput)
		out.Timestamp = r.now().UTC()
		r.logger.Debug("web_search cache hit", "query", in.Query)
		return out, nil
	}

	r.logger.Info("web_search tool called", "query", in.Query, "depth", in.SearchDepth, "max_results", in.MaxResults)

	var lastErr error
	for _, p := range r.Providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, SearchRequest{Query: in.Query, MaxResults: in.MaxResults, Depth: in.SearchDepth})
		if err != nil {
			if ctx.Err() != nil {
				return SearchOutput{}, ctx.Err()
			}
			r.logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		results = dedupe(results)
		if len(results) > in.MaxResults {
			results = results[:in.MaxResults]
		}
		for i := range results {
			if results[i].Snippet == "" || len([]rune(results[i].Content)) > snippetLength {
				results[i].Snippet = makeSnippet(results[i].Content)
			}
		}
		out := SearchOutput{
			Query:       in.Query,
			Results:     results,
			TotalFound:  len(results),
			SearchDepth: in.SearchDepth,
			Provider:    p.Name(),
			Timestamp:   r.now().UTC(),
		}
		r.cache.Set(key, out, cache.DefaultExpiration)
		return out, nil
	}
	if lastErr != nil {
		return SearchOutput{}, fmt.Errorf("all search providers failed: %w", lastErr)
	}
	return SearchOutput{}, errNoSearchProvider
}
