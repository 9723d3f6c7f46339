package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

const maxFeedBytes = 5 * 1024 * 1024

// RSS fetches candidates from an RSS/Atom feed.
type RSS struct {
	client HTTPClient
	cfg    SourceConfig
}

// NewRSS creates an RSS fetcher for one configured feed.
func NewRSS(client HTTPClient, cfg SourceConfig) *RSS {
	return &RSS{client: client, cfg: cfg}
}

// Name returns the configured source name.
func (r *RSS) Name() string { return r.cfg.Name }

// Fetch downloads and parses the feed, returning one candidate per item.
func (r *RSS) Fetch(ctx context.Context) ([]model.Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "NewsletterBot/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	now := time.Now().UTC()
	var cands []model.Candidate
	for _, item := range feed.Items {
		cands = append(cands, model.Candidate{
			Title:     item.Title,
			URL:       item.Link,
			Summary:   item.Description,
			Source:    r.cfg.Name,
			Tags:      r.cfg.Tags,
			FetchedAt: now,
		})
		if r.cfg.Limit > 0 && len(cands) == r.cfg.Limit {
			break
		}
	}
	return cands, nil
}
