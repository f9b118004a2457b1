package tools

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"
)

// SearchRequest is what a provider is asked for.
type SearchRequest struct {
	Query      string
	MaxResults int
	Depth      string
}

// SearchResult is one web hit, normalized across providers.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Snippet       string  `json:"snippet"`
	Content       string  `json:"content"`
	PublishedDate string  `json:"publishedDate,omitempty"`
	Score         float64 `json:"score,omitempty"`
}

// SearchProvider is the interface every search backend implements.
// Available reports whether the provider has credentials.
type SearchProvider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// snippetLength is the number of characters of content kept in a snippet.
const snippetLength = 200

// makeSnippet returns the first 200 characters of content followed by "..."
// when content is longer, and content itself otherwise.
func makeSnippet(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= snippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetLength]) + "..."
}

// normalizeURL reduces u to scheme, host and path, lowercased, for
// duplicate detection. Query and fragment are ignored.
func normalizeURL(u string) string {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(u))
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host + path)
}

// dedupe drops results whose normalized URL was already seen, keeping the
// first occurrence and the original order.
func dedupe(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		key := normalizeURL(r.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
