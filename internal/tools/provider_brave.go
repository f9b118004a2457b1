package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveProvider implements SearchProvider using the Brave Search API.
type BraveProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewBraveProvider(apiKey string) *BraveProvider {
	return &BraveProvider{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BraveProvider) Name() string    { return "brave" }
func (b *BraveProvider) Available() bool { return b.apiKey != "" }

func (b *BraveProvider) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	count := req.MaxResults
	if count > 20 {
		count = 20
	}
	q := url.Values{}
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(count))
	if req.Depth == DepthAdvanced {
		q.Set("extra_snippets", "true")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseBraveJSON(body)
}

// braveResponse matches the relevant fields of the Brave Search API response.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title         string   `json:"title"`
			URL           string   `json:"url"`
			Description   string   `json:"description"`
			Age           string   `json:"age"`
			ExtraSnippets []string `json:"extra_snippets"`
		} `json:"results"`
	} `json:"web"`
}

// parseBraveJSON extracts search results from a Brave API JSON response.
// Brave returns no page content, so description and extra snippets stand in
// for it.
func parseBraveJSON(data []byte) ([]SearchResult, error) {
	var resp braveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse brave response: %w", err)
	}
	results := make([]SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		content := r.Description
		for _, extra := range r.ExtraSnippets {
			content += "\n" + extra
		}
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       content,
			PublishedDate: r.Age,
		})
	}
	return results, nil
}
