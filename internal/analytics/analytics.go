// Package analytics computes engagement summaries from the raw event log.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
)

// Aggregator derives per-run engagement metrics. Summaries of terminal runs
// are cached and invalidated whenever a new event lands; a cached summary is
// never authoritative and can always be reproduced by a full rescan.
type Aggregator struct {
	store storage.Storage
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]*model.EngagementSummary
}

// New creates an Aggregator.
func New(store storage.Storage, log *slog.Logger) *Aggregator {
	return &Aggregator{
		store: store,
		log:   log,
		cache: make(map[string]*model.EngagementSummary),
	}
}

// Invalidate drops the cached summary for a run. Implements
// tracking.Invalidator.
func (a *Aggregator) Invalidate(runID string) {
	a.mu.Lock()
	delete(a.cache, runID)
	a.mu.Unlock()
}

// Summarize returns the engagement summary for a run, caching the result for
// terminal runs. Returns storage.ErrNotFound for unknown runs.
func (a *Aggregator) Summarize(ctx context.Context, runID string) (*model.EngagementSummary, error) {
	a.mu.Lock()
	if cached, ok := a.cache[runID]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	summary, err := a.compute(ctx, run)
	if err != nil {
		return nil, err
	}

	// Message statuses keep changing while a run is live, and only events
	// trigger invalidation, so a live run's summary is never cached.
	if run.Status.Terminal() {
		a.mu.Lock()
		a.cache[runID] = summary
		a.mu.Unlock()
	}
	return summary, nil
}

// Compute performs the full rescan of the run's events, bypassing the cache.
// It is read-only and side-effect-free.
func (a *Aggregator) Compute(ctx context.Context, runID string) (*model.EngagementSummary, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return a.compute(ctx, run)
}

func (a *Aggregator) compute(ctx context.Context, run *model.Run) (*model.EngagementSummary, error) {
	runID := run.ID
	msgs, err := a.store.ListMessages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items, err := a.store.ListRunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	events, err := a.store.ListRunEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}

	byToken := make(map[string]*model.Message, len(msgs))
	sent := 0
	for i := range msgs {
		byToken[msgs[i].Token] = &msgs[i]
		if msgs[i].Status == model.MessageSent {
			sent++
		}
	}

	itemOrder := make(map[string]int, len(items))
	itemByID := make(map[string]model.ContentItem, len(items))
	for i, item := range items {
		itemOrder[item.ID] = i
		itemByID[item.ID] = item
	}

	opened := make(map[string]bool)  // message token -> had >= 1 open
	clicked := make(map[string]bool) // message token -> had >= 1 click
	type clickKey struct {
		itemID string
		token  string
	}
	clicksByItem := make(map[string]int)
	uniqueClicks := make(map[clickKey]bool)

	summary := &model.EngagementSummary{RunID: runID, Sent: sent}
	for _, ev := range events {
		msg, ok := byToken[ev.Token]
		if !ok {
			// Events only exist for known tokens; a miss here means the
			// message set changed under us, which the data model forbids.
			a.log.Warn("event with unknown token", "run_id", runID, "token", ev.Token)
			continue
		}
		switch ev.Kind {
		case model.EventOpen:
			summary.TotalOpens++
			opened[ev.Token] = true
		case model.EventClick:
			if ev.ArticleIndex < 0 || ev.ArticleIndex >= len(msg.ItemIDs) {
				continue
			}
			itemID := msg.ItemIDs[ev.ArticleIndex]
			summary.TotalClicks++
			clicked[ev.Token] = true
			clicksByItem[itemID]++
			uniqueClicks[clickKey{itemID: itemID, token: ev.Token}] = true
		}
	}
	summary.UniqueOpens = len(opened)
	summary.UniqueClicks = len(clicked)

	if sent > 0 {
		summary.OpenRate = float64(summary.UniqueOpens) / float64(sent)
	}
	if summary.UniqueOpens > 0 {
		summary.ClickRate = float64(summary.UniqueClicks) / float64(summary.UniqueOpens)
	}

	uniqueByItem := make(map[string]int)
	for key := range uniqueClicks {
		uniqueByItem[key.itemID]++
	}
	for itemID, clicks := range clicksByItem {
		item := itemByID[itemID]
		summary.Articles = append(summary.Articles, model.ArticleStats{
			ItemID:       itemID,
			Title:        item.Title,
			URL:          item.URL,
			Clicks:       clicks,
			UniqueClicks: uniqueByItem[itemID],
		})
	}
	sort.Slice(summary.Articles, func(i, j int) bool {
		if summary.Articles[i].Clicks != summary.Articles[j].Clicks {
			return summary.Articles[i].Clicks > summary.Articles[j].Clicks
		}
		return itemOrder[summary.Articles[i].ItemID] < itemOrder[summary.Articles[j].ItemID]
	})

	summary.ComputedAt = time.Now().UTC()
	return summary, nil
}

// Recent returns summaries for the most recent runs, newest first.
func (a *Aggregator) Recent(ctx context.Context, limit int) ([]model.EngagementSummary, error) {
	runs, err := a.store.ListRecentRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	summaries := make([]model.EngagementSummary, 0, len(runs))
	for _, run := range runs {
		s, err := a.Summarize(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *s)
	}
	return summaries, nil
}
