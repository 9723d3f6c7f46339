// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

// Sentinel errors returned by Storage implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or a compare-and-set
	// whose expected current state did not match.
	ErrConflict = errors.New("conflict")
	// ErrNoQueued indicates a run has no queued messages left to claim.
	ErrNoQueued = errors.New("no queued messages")
)

// Storage is the interface for all persistence operations. Status transitions
// for runs and messages are atomic compare-and-set operations keyed by the
// expected current state, so two workers can never both win a claim.
type Storage interface {
	CreateSubscriber(ctx context.Context, sub *model.Subscriber) error
	GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error)
	SetSubscribed(ctx context.Context, email string, subscribed bool) error
	ListActiveSubscribers(ctx context.Context) ([]model.Subscriber, error)

	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]model.Run, error)
	TransitionRun(ctx context.Context, id string, from, to model.RunStatus) error
	UpdateRunCounts(ctx context.Context, run *model.Run) error
	ActiveRun(ctx context.Context) (*model.Run, error)

	SaveRunItems(ctx context.Context, runID string, items []model.ContentItem) error
	ListRunItems(ctx context.Context, runID string) ([]model.ContentItem, error)

	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessageByToken(ctx context.Context, token string) (*model.Message, error)
	ListMessages(ctx context.Context, runID string) ([]model.Message, error)
	ClaimQueued(ctx context.Context, runID string) (*model.Message, error)
	MarkSent(ctx context.Context, id int64, attempts int) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error
	SkipQueued(ctx context.Context, runID string) (int, error)
	CountByStatus(ctx context.Context, runID string) (map[model.MessageStatus]int, error)

	AppendEvent(ctx context.Context, ev *model.TrackingEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]model.TrackingEvent, error)

	Close() error
}
