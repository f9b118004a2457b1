package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider implements SearchProvider using the Tavily Search API.
type TavilyProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewTavilyProvider(apiKey string) *TavilyProvider {
	return &TavilyProvider{
		apiKey:   apiKey,
		endpoint: tavilyEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *TavilyProvider) Name() string    { return "tavily" }
func (t *TavilyProvider) Available() bool { return t.apiKey != "" }

type tavilyRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

// tavilyResponse matches the fields of the Tavily response used here. Score
// arrives as either a number or a string.
type tavilyResponse struct {
	Results []struct {
		Title         string          `json:"title"`
		URL           string          `json:"url"`
		Content       string          `json:"content"`
		Score         json.RawMessage `json:"score"`
		PublishedDate string          `json:"published_date"`
	} `json:"results"`
}

func (t *TavilyProvider) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:       req.Query,
		SearchDepth: req.Depth,
		MaxResults:  req.MaxResults,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tavily API returned %d: %s", resp.StatusCode, string(msg))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseTavilyJSON(data)
}

func parseTavilyJSON(data []byte) ([]SearchResult, error) {
	var resp tavilyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse tavily response: %w", err)
	}
	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			PublishedDate: r.PublishedDate,
			Score:         parseScore(r.Score),
		})
	}
	return results, nil
}

func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return 0
}
