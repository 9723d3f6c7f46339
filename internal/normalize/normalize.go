// Package normalize validates and deduplicates raw content candidates into
// the ordered item set used by a run.
package normalize

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

// Query parameters stripped during URL canonicalization. These carry
// campaign attribution, not article identity.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
	"ref":    true,
}

// Normalize validates, deduplicates, and truncates candidates to at most
// limit items, preserving source order. Invalid candidates are logged and
// dropped without failing the run. The output is deterministic for
// identical input.
func Normalize(cands []model.Candidate, limit int, log *slog.Logger) []model.ContentItem {
	seen := make(map[string]bool)
	var items []model.ContentItem

	for _, cand := range cands {
		title := strings.TrimSpace(cand.Title)
		if title == "" {
			log.Debug("dropping candidate with empty title", "url", cand.URL)
			continue
		}

		canonical, err := CanonicalURL(cand.URL)
		if err != nil {
			log.Debug("dropping candidate with invalid url", "title", title, "url", cand.URL, "error", err)
			continue
		}

		if seen[canonical] {
			continue
		}
		seen[canonical] = true

		items = append(items, model.ContentItem{
			ID:        itemID(canonical + "|" + title),
			Title:     title,
			Summary:   strings.TrimSpace(cand.Summary),
			URL:       cand.URL,
			Source:    cand.Source,
			Tags:      cand.Tags,
			FetchedAt: cand.FetchedAt,
		})
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items
}

// CanonicalURL returns the deduplication key for an article URL: lowercase
// scheme and host, tracking parameters stripped, fragment dropped, trailing
// slash trimmed. Returns an error for relative or non-HTTP URLs.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if trackingParams[param] || strings.HasPrefix(param, "utm_") {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

func itemID(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:16])
}
