// Package source acquires raw content candidates from configured external
// sources: RSS/Atom feeds and scraped HTML pages.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher retrieves candidates from one configured source.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]model.Candidate, error)
}

// Config is the YAML sources file.
type Config struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one content source.
type SourceConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"` // "rss" or "page"
	URL      string   `yaml:"url"`
	Tags     []string `yaml:"tags"`
	Selector string   `yaml:"selector"` // page kind: CSS selector for article links
	Limit    int      `yaml:"limit"`
}

// LoadConfig reads and validates the YAML sources file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return nil, fmt.Errorf("source %d: name is required", i)
		}
		if src.URL == "" {
			return nil, fmt.Errorf("source %q: url is required", src.Name)
		}
		switch src.Kind {
		case "rss", "page":
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
		}
	}
	return &cfg, nil
}

// Build constructs a fetcher per configured source.
func Build(cfg *Config, client HTTPClient) []Fetcher {
	fetchers := make([]Fetcher, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		switch src.Kind {
		case "rss":
			fetchers = append(fetchers, NewRSS(client, src))
		case "page":
			fetchers = append(fetchers, NewPage(client, src))
		}
	}
	return fetchers
}

// Multi fans a fetch across all configured sources. A failing source reduces
// the input instead of failing the run.
type Multi struct {
	fetchers []Fetcher
	log      *slog.Logger
}

// NewMulti creates a Multi over the given fetchers.
func NewMulti(fetchers []Fetcher, log *slog.Logger) *Multi {
	return &Multi{fetchers: fetchers, log: log}
}

// FetchCandidates gathers candidates from every source, logging and skipping
// sources that fail.
func (m *Multi) FetchCandidates(ctx context.Context) ([]model.Candidate, error) {
	var all []model.Candidate
	for _, f := range m.fetchers {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		cands, err := f.Fetch(ctx)
		if err != nil {
			m.log.Warn("source fetch failed", "source", f.Name(), "error", err)
			continue
		}
		m.log.Debug("source fetched", "source", f.Name(), "candidates", len(cands))
		all = append(all, cands...)
	}
	return all, nil
}
