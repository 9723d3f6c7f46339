package source

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return string(data)
}

func TestRSSFetch(t *testing.T) {
	xml := loadFixture(t, "sample.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		limit     int
		wantCount int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantCount: 3,
		},
		{
			name:      "limit truncates",
			transport: &mockTransport{body: xml, statusCode: 200},
			limit:     2,
			wantCount: 2,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRSS(tt.transport, SourceConfig{
				Name: "Tech Briefing", Kind: "rss", URL: "https://techbriefing.example.com/rss",
				Tags: []string{"tech"}, Limit: tt.limit,
			})
			cands, err := r.Fetch(context.Background())

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(cands) != tt.wantCount {
				t.Fatalf("expected %d candidates, got %d", tt.wantCount, len(cands))
			}
			for _, c := range cands {
				if c.Source != "Tech Briefing" {
					t.Errorf("unexpected source %q", c.Source)
				}
				if diff := cmp.Diff([]string{"tech"}, c.Tags); diff != "" {
					t.Errorf("tags mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestPageFetch(t *testing.T) {
	html := `<html><body>
	  <article><h2><a href="/articles/first-big-story-of-the-day">First big story of the day arrives</a></h2></article>
	  <article><h2><a href="https://other.example.com/second-story-headline">Second story headline with more detail</a></h2></article>
	  <article><h2><a href="/nav">Short</a></h2></article>
	  <article><h2><a href="">Headline without a link target here</a></h2></article>
	</body></html>`

	p := NewPage(&mockTransport{body: html, statusCode: 200}, SourceConfig{
		Name: "News Site", Kind: "page", URL: "https://news.example.com/front",
	})
	cands, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var got []model.Candidate
	for _, c := range cands {
		c.FetchedAt = time.Time{}
		got = append(got, c)
	}
	want := []model.Candidate{
		{Title: "First big story of the day arrives", URL: "https://news.example.com/articles/first-big-story-of-the-day", Source: "News Site"},
		{Title: "Second story headline with more detail", URL: "https://other.example.com/second-story-headline", Source: "News Site"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiPartialFailure(t *testing.T) {
	xml := loadFixture(t, "sample.xml")
	ok := NewRSS(&mockTransport{body: xml, statusCode: 200}, SourceConfig{Name: "good", Kind: "rss", URL: "https://good.example.com/rss"})
	bad := NewRSS(&mockTransport{err: io.ErrUnexpectedEOF}, SourceConfig{Name: "bad", Kind: "rss", URL: "https://bad.example.com/rss"})

	m := NewMulti([]Fetcher{bad, ok}, discard)
	cands, err := m.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("fetch candidates: %v", err)
	}
	if len(cands) != 3 {
		t.Errorf("expected 3 candidates from the healthy source, got %d", len(cands))
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	content := `sources:
  - name: Tech Briefing
    kind: rss
    url: https://techbriefing.example.com/rss
    tags: [tech, ai]
    limit: 5
  - name: News Site
    kind: page
    url: https://news.example.com/front
    selector: "h2 a"
    tags: [business]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if cfg.Sources[0].Limit != 5 || cfg.Sources[1].Selector != "h2 a" {
		t.Errorf("unexpected config %+v", cfg.Sources)
	}

	fetchers := Build(cfg, http.DefaultClient)
	if len(fetchers) != 2 {
		t.Fatalf("expected 2 fetchers, got %d", len(fetchers))
	}
}

func TestLoadConfigRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  - name: x\n    kind: carrier-pigeon\n    url: https://x.com\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
