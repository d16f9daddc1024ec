package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/sevigo/docbias-scanner/internal/config"
)

// Client calls the external scoring service's /score_page and
// /score_snippets endpoints, subject to a shared RateLimiter.
type Client struct {
	http        *retryablehttp.Client
	baseURL     string
	rateLimiter *RateLimiter
}

// NewClient builds a scoring Client. cfg.Endpoint is normalized to a base
// URL regardless of whether it was given with or without the /score_page
// suffix, matching ScoringService.__init__'s base-url extraction.
func NewClient(cfg config.LLMConfig) *Client {
	base := strings.TrimSuffix(strings.TrimSuffix(cfg.Endpoint, "/"), "/score_page")
	base = strings.TrimSuffix(base, "/")

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 10 * time.Second

	return &Client{
		http:        httpClient,
		baseURL:     base,
		rateLimiter: NewRateLimiter(cfg.RPM),
	}
}

// PageScoreRequest is the payload for /score_page.
type PageScoreRequest struct {
	PageContent string            `json:"page_content"`
	Metadata    map[string]string `json:"metadata"`
}

// ScorePage submits a full page for holistic bias scoring and returns the
// raw response body, schema-flexible and owned by the external service;
// callers pull fields out with gjson rather than a fixed struct.
func (c *Client) ScorePage(ctx context.Context, pageContent, pageURL string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := PageScoreRequest{PageContent: pageContent, Metadata: map[string]string{"url": pageURL}}
	raw, err := c.postJSONRaw(ctx, "/score_page", req, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("score page %s: %w", pageURL, err)
	}
	return raw, nil
}

// SnippetScoreItem is one entry of a /score_snippets batch request.
type SnippetScoreItem struct {
	ID      int    `json:"id"`
	Code    string `json:"code"`
	Language string `json:"language"`
	Context string `json:"context"`
}

type snippetBatchRequest struct {
	Snippets []SnippetScoreItem `json:"snippets"`
}

type snippetBatchResponse struct {
	Results []map[string]any `json:"results"`
}

// ScoreSnippetBatch submits a batch of snippets to /score_snippets and
// returns each result keyed by its request ID, so callers can map results
// back onto their originating snippets.
func (c *Client) ScoreSnippetBatch(ctx context.Context, items []SnippetScoreItem) (map[int]map[string]any, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp snippetBatchResponse
	if err := c.postJSON(ctx, "/score_snippets", snippetBatchRequest{Snippets: items}, &resp, 120*time.Second); err != nil {
		return nil, fmt.Errorf("score snippet batch: %w", err)
	}
	out := make(map[int]map[string]any, len(resp.Results))
	for _, r := range resp.Results {
		id, ok := r["id"].(float64)
		if !ok {
			continue
		}
		out[int(id)] = r
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any, timeout time.Duration) error {
	raw, err := c.postJSONRaw(ctx, path, body, timeout)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) postJSONRaw(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}
