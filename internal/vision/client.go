// Package vision calls the image-recognition API that decides what a set of
// sky photos shows and drafts the reply text.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skysnapco/skyreply/internal/config"
	"github.com/skysnapco/skyreply/internal/feed"
	"github.com/skysnapco/skyreply/internal/stats"
)

// ErrAnalysisUnavailable marks a transient engine failure; the workflow
// retries the notification on a later cycle.
var ErrAnalysisUnavailable = errors.New("vision: analysis unavailable")

// Result is the engine's verdict for one set of attachments.
type Result struct {
	Categories []stats.Category
	Summary    string
}

// Engine evaluates image attachments and drafts reply text.
type Engine interface {
	Evaluate(ctx context.Context, attachments []feed.Attachment) (Result, error)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.VisionConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		},
	}
}

type analyzeRequest struct {
	ImageURLs []string `json:"image_urls"`
}

type analyzeResponse struct {
	Categories []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Note       string  `json:"note,omitempty"`
	} `json:"categories"`
	Summary string `json:"summary"`
}

func (c *Client) Evaluate(ctx context.Context, attachments []feed.Attachment) (Result, error) {
	urls := make([]string, 0, len(attachments))
	for _, a := range attachments {
		urls = append(urls, a.URL)
	}

	body, err := json.Marshal(analyzeRequest{ImageURLs: urls})
	if err != nil {
		return Result{}, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: http %d", ErrAnalysisUnavailable, resp.StatusCode)
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrAnalysisUnavailable, err)
	}

	result := Result{Summary: decoded.Summary}
	for _, cat := range decoded.Categories {
		result.Categories = append(result.Categories, stats.Category{
			Label:      cat.Label,
			Confidence: cat.Confidence,
			Note:       cat.Note,
		})
	}
	return result, nil
}
