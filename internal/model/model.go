// Package model defines the domain types used across the application.
package model

import "time"

// RunStatus is the lifecycle state of a newsletter run.
type RunStatus string

// Run lifecycle states. A run never regresses; completed and failed are
// terminal.
const (
	RunPending   RunStatus = "pending"
	RunComposing RunStatus = "composing"
	RunSending   RunStatus = "sending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run represents one execution of the content-to-send pipeline.
type Run struct {
	ID          string
	Status      RunStatus
	ItemCount   int
	Attempted   int
	Sent        int
	Failed      int
	Skipped     int
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Subscriber is a newsletter recipient with an optional interest tag set.
type Subscriber struct {
	ID         int64
	Email      string
	Interests  []string
	Subscribed bool
	CreatedAt  time.Time
}

// Candidate is a raw content item as returned by a content source, before
// normalization.
type Candidate struct {
	Title     string
	URL       string
	Summary   string
	Source    string
	Tags      []string
	FetchedAt time.Time
}

// ContentItem is a normalized, deduplicated article selected for a run.
type ContentItem struct {
	ID        string
	Title     string
	Summary   string
	URL       string
	Source    string
	Tags      []string
	FetchedAt time.Time
}

// MessageStatus is the delivery state of a single composed message.
type MessageStatus string

// Message delivery states. Transitions are strictly
// queued -> sending -> sent|failed, or queued -> skipped on cancellation.
const (
	MessageQueued  MessageStatus = "queued"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
	MessageSkipped MessageStatus = "skipped"
)

// Message is one subscriber's personalized newsletter for a run. The token is
// the join key between delivery and engagement and the only credential for
// the tracking endpoints.
type Message struct {
	ID           int64
	RunID        string
	SubscriberID int64
	Email        string
	Token        string
	ItemIDs      []string
	Subject      string
	Body         string
	Status       MessageStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	SentAt       *time.Time
}

// EventKind distinguishes open from click tracking events.
type EventKind string

// Supported tracking event kinds.
const (
	EventOpen  EventKind = "open"
	EventClick EventKind = "click"
)

// TrackingEvent is one raw engagement event. Events are append-only and never
// deduplicated at write time; they are the audit trail.
type TrackingEvent struct {
	ID           int64
	Kind         EventKind
	Token        string
	ArticleIndex int // -1 for opens
	RemoteAddr   string
	UserAgent    string
	CreatedAt    time.Time
}

// ArticleStats holds per-article engagement within a run.
type ArticleStats struct {
	ItemID       string `json:"item_id"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Clicks       int    `json:"clicks"`
	UniqueClicks int    `json:"unique_clicks"`
}

// EngagementSummary is the derived engagement report for a run. It is always
// recomputable from the raw event log.
type EngagementSummary struct {
	RunID        string         `json:"run_id"`
	Sent         int            `json:"sent"`
	UniqueOpens  int            `json:"unique_opens"`
	TotalOpens   int            `json:"total_opens"`
	UniqueClicks int            `json:"unique_clicks"`
	TotalClicks  int            `json:"total_clicks"`
	OpenRate     float64        `json:"open_rate"`
	ClickRate    float64        `json:"click_rate"`
	Articles     []ArticleStats `json:"articles"`
	ComputedAt   time.Time      `json:"computed_at"`
}
