package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Snippet is one ranked search hit.
type Snippet struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchConfig configures the web search collaborator.
type SearchConfig struct {
	Endpoint   string        `json:"endpoint"`
	APIKey     string        `json:"api_key"`
	MaxResults int           `json:"max_results"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// SearchClient calls an external web search API and returns ranked snippets.
// Its retry and relevance behavior is the service's own; callers only see
// the final snippets or an error.
type SearchClient struct {
	config SearchConfig
	client *http.Client
	logger *zap.Logger
}

// NewSearchClient creates a search client.
func NewSearchClient(cfg SearchConfig, logger *zap.Logger) *SearchClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 3
	}
	return &SearchClient{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

// Search runs one query and returns ranked snippets.
func (c *SearchClient) Search(ctx context.Context, query string) ([]Snippet, error) {
	body, err := json.Marshal(searchRequest{
		Query:      query,
		MaxResults: c.config.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search API error %d: %s", resp.StatusCode, string(respBody))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("search completed",
		zap.String("query", query),
		zap.Int("results", len(result.Results)))
	return result.Results, nil
}
