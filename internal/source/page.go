package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

const (
	defaultSelector = "article h2 a"
	// Headlines shorter than this are navigation noise, not articles.
	minTitleLen = 20
)

// Page scrapes article links from an HTML page using a CSS selector.
type Page struct {
	client HTTPClient
	cfg    SourceConfig
}

// NewPage creates a page scraper for one configured site.
func NewPage(client HTTPClient, cfg SourceConfig) *Page {
	return &Page{client: client, cfg: cfg}
}

// Name returns the configured source name.
func (p *Page) Name() string { return p.cfg.Name }

// Fetch downloads the page and extracts candidates from matching links.
func (p *Page) Fetch(ctx context.Context) ([]model.Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "NewsletterBot/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	selector := p.cfg.Selector
	if selector == "" {
		selector = defaultSelector
	}

	now := time.Now().UTC()
	var cands []model.Candidate
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Text())
		if len(title) < minTitleLen {
			return true
		}
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		cands = append(cands, model.Candidate{
			Title:     title,
			URL:       base.ResolveReference(ref).String(),
			Source:    p.cfg.Name,
			Tags:      p.cfg.Tags,
			FetchedAt: now,
		})
		return p.cfg.Limit <= 0 || len(cands) < p.cfg.Limit
	})
	return cands, nil
}
