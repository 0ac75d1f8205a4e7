package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
)

// Result is one normalized search hit. Snippet is markdown.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Client queries a JSON search endpoint and normalizes HTML snippets to
// markdown. Every call is time-boxed; callers own the total search budget.
type Client struct {
	config     common.SearchConfig
	logger     arbor.ILogger
	httpClient *http.Client
	converter  *md.Converter
	maxResults int
}

// NewClient creates a search client from configuration
func NewClient(config common.SearchConfig, logger arbor.ILogger) *Client {
	maxResults := config.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Client{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: common.Duration(config.RequestTimeout, 8*time.Second),
		},
		converter:  md.NewConverter("", true, nil),
		maxResults: maxResults,
	}
}

// Enabled reports whether network search is configured
func (c *Client) Enabled() bool {
	return c.config.Enabled && c.config.Endpoint != ""
}

// Search runs one query. Returns an empty slice without error when search
// is not configured; callers treat failures as degradation, not job errors.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if !c.Enabled() {
		return []Result{}, nil
	}

	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	values := endpoint.Query()
	values.Set("q", query)
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, c.maxResults)
	for _, hit := range payload.Results {
		if len(results) >= c.maxResults {
			break
		}
		results = append(results, Result{
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: c.toMarkdown(hit.Snippet),
		})
	}

	c.logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

// toMarkdown strips snippet HTML down to markdown text. Conversion failure
// falls back to the raw snippet.
func (c *Client) toMarkdown(snippet string) string {
	converted, err := c.converter.ConvertString(snippet)
	if err != nil {
		return snippet
	}
	return converted
}
