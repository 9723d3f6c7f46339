// Package tracking is the engagement ledger: it records open and click
// events against message tokens.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
)

// ErrInvalidIndex indicates a click referenced an article index outside the
// message's content list.
var ErrInvalidIndex = errors.New("invalid article index")

// Invalidator is notified when new events land for a run, so cached
// summaries can be dropped.
type Invalidator interface {
	Invalidate(runID string)
}

// RequestMeta carries raw request metadata stored with each event.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// Ledger validates tracking requests and appends raw events. Repeats always
// append another event; total-versus-unique metrics depend on the full
// history being kept.
type Ledger struct {
	store       storage.Storage
	invalidator Invalidator
	log         *slog.Logger
}

// NewLedger creates a Ledger. invalidator may be nil.
func NewLedger(store storage.Storage, invalidator Invalidator, log *slog.Logger) *Ledger {
	return &Ledger{store: store, invalidator: invalidator, log: log}
}

// RecordOpen appends an open event for the message behind token. Unknown
// tokens return storage.ErrNotFound and write nothing.
func (l *Ledger) RecordOpen(ctx context.Context, token string, meta RequestMeta) error {
	msg, err := l.store.GetMessageByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	ev := model.TrackingEvent{
		Kind:         model.EventOpen,
		Token:        token,
		ArticleIndex: -1,
		RemoteAddr:   meta.RemoteAddr,
		UserAgent:    meta.UserAgent,
	}
	if err := l.store.AppendEvent(ctx, &ev); err != nil {
		return fmt.Errorf("append open event: %w", err)
	}

	l.log.Debug("open recorded", "run_id", msg.RunID, "message_id", msg.ID)
	l.invalidate(msg.RunID)
	return nil
}

// RecordClick appends a click event and returns the clicked article's URL
// for the redirect. Unknown tokens return storage.ErrNotFound; an index
// outside the message's content list returns ErrInvalidIndex. Neither
// writes an event.
func (l *Ledger) RecordClick(ctx context.Context, token string, articleIndex int, meta RequestMeta) (string, error) {
	msg, err := l.store.GetMessageByToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	if articleIndex < 0 || articleIndex >= len(msg.ItemIDs) {
		return "", fmt.Errorf("article index %d of %d items: %w", articleIndex, len(msg.ItemIDs), ErrInvalidIndex)
	}

	items, err := l.store.ListRunItems(ctx, msg.RunID)
	if err != nil {
		return "", fmt.Errorf("list run items: %w", err)
	}
	itemID := msg.ItemIDs[articleIndex]
	var target string
	for _, item := range items {
		if item.ID == itemID {
			target = item.URL
			break
		}
	}
	if target == "" {
		return "", fmt.Errorf("item %s missing from run %s: %w", itemID, msg.RunID, storage.ErrNotFound)
	}

	ev := model.TrackingEvent{
		Kind:         model.EventClick,
		Token:        token,
		ArticleIndex: articleIndex,
		RemoteAddr:   meta.RemoteAddr,
		UserAgent:    meta.UserAgent,
	}
	if err := l.store.AppendEvent(ctx, &ev); err != nil {
		return "", fmt.Errorf("append click event: %w", err)
	}

	l.log.Debug("click recorded", "run_id", msg.RunID, "message_id", msg.ID, "article_index", articleIndex)
	l.invalidate(msg.RunID)
	return target, nil
}

func (l *Ledger) invalidate(runID string) {
	if l.invalidator != nil {
		l.invalidator.Invalidate(runID)
	}
}
