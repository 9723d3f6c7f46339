// Package pipeline orchestrates newsletter runs from content acquisition
// through dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Kdhungel/ai-newsletter-system/internal/compose"
	"github.com/Kdhungel/ai-newsletter-system/internal/dispatch"
	"github.com/Kdhungel/ai-newsletter-system/internal/metrics"
	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/normalize"
	"github.com/Kdhungel/ai-newsletter-system/internal/personalize"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
	"github.com/Kdhungel/ai-newsletter-system/internal/summarize"
)

// ErrRunActive indicates a run is already in progress; at most one run is
// active at a time.
var ErrRunActive = errors.New("a run is already active")

// ContentSource provides raw candidates for a run.
type ContentSource interface {
	FetchCandidates(ctx context.Context) ([]model.Candidate, error)
}

// Composer renders one subscriber's message.
type Composer interface {
	Compose(runID string, sub model.Subscriber, items []model.ContentItem) (*model.Message, error)
}

// Dispatcher drains a run's queued messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, attempted int) (dispatch.Stats, error)
}

// Config tunes a run.
type Config struct {
	// MaxItems caps the normalized content set per run.
	MaxItems int
	// MaxPerMessage caps the articles included in one message.
	MaxPerMessage int
}

// Orchestrator owns the run state machine. It is the only writer of run
// status, which moves strictly forward:
// pending -> composing -> sending -> completed|failed.
type Orchestrator struct {
	store      storage.Storage
	source     ContentSource
	summarizer summarize.Summarizer
	composer   Composer
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
	cfg        Config

	mu sync.Mutex // serializes run admission
}

// New creates an Orchestrator. summarizer may be nil to skip summarization.
func New(store storage.Storage, src ContentSource, summarizer summarize.Summarizer,
	composer Composer, dispatcher Dispatcher, m *metrics.Metrics, log *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		source:     src,
		summarizer: summarizer,
		composer:   composer,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		cfg:        cfg,
	}
}

// StartRun admits and executes a run synchronously, returning its final state.
// Returns ErrRunActive when another run has not yet reached a terminal status.
func (o *Orchestrator) StartRun(ctx context.Context) (*model.Run, error) {
	run, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	o.execute(ctx, run)
	return o.store.GetRun(context.WithoutCancel(ctx), run.ID)
}

// StartRunAsync admits a run and executes it in the background, returning the
// run ID immediately. ctx should outlive the run; cancellation skips the
// remaining queued messages and completes the run early.
func (o *Orchestrator) StartRunAsync(ctx context.Context) (string, error) {
	run, err := o.begin(ctx)
	if err != nil {
		return "", err
	}
	go o.execute(ctx, run)
	return run.ID, nil
}

// begin admits a new run if none is active.
func (o *Orchestrator) begin(ctx context.Context) (*model.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.ActiveRun(ctx)
	if err == nil {
		return nil, fmt.Errorf("run %s is %s: %w", active.ID, active.Status, ErrRunActive)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check active run: %w", err)
	}

	run := &model.Run{ID: uuid.NewString(), Status: model.RunPending}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// execute drives a run to a terminal status. Every exit path leaves the run
// completed or failed, even when ctx is cancelled mid-run.
func (o *Orchestrator) execute(ctx context.Context, run *model.Run) {
	o.metrics.IncRunsStarted()
	o.log.Info("run started", "run_id", run.ID)

	if err := o.store.TransitionRun(ctx, run.ID, model.RunPending, model.RunComposing); err != nil {
		o.fail(ctx, run, model.RunPending, fmt.Errorf("enter composing: %w", err))
		return
	}

	cands, err := o.source.FetchCandidates(ctx)
	if err != nil {
		o.fail(ctx, run, model.RunComposing, fmt.Errorf("fetch content: %w", err))
		return
	}
	items := normalize.Normalize(cands, o.cfg.MaxItems, o.log)
	if len(items) == 0 {
		o.fail(ctx, run, model.RunComposing, errors.New("no content available"))
		return
	}
	o.summarizeItems(ctx, items)

	if err := o.store.SaveRunItems(ctx, run.ID, items); err != nil {
		o.fail(ctx, run, model.RunComposing, fmt.Errorf("save run items: %w", err))
		return
	}
	run.ItemCount = len(items)

	subs, err := o.store.ListActiveSubscribers(ctx)
	if err != nil {
		o.fail(ctx, run, model.RunComposing, fmt.Errorf("list subscribers: %w", err))
		return
	}

	queued := 0
	composeFailed := 0
	for _, sub := range subs {
		selected := personalize.Select(items, sub.Interests, o.cfg.MaxPerMessage)
		msg, err := o.composer.Compose(run.ID, sub, selected)
		if err != nil {
			// One bad subscriber never sinks the run. A failed message
			// record keeps the composition error visible and never reaches
			// the transport.
			o.log.Error("compose message", "run_id", run.ID, "email", sub.Email, "error", err)
			composeFailed++
			o.recordComposeFailure(ctx, run.ID, sub, err)
			continue
		}
		if err := o.store.CreateMessage(ctx, msg); err != nil {
			o.fail(ctx, run, model.RunComposing, fmt.Errorf("create message: %w", err))
			return
		}
		queued++
	}
	run.Attempted = queued + composeFailed
	run.Failed = composeFailed

	if err := o.store.UpdateRunCounts(ctx, run); err != nil {
		o.fail(ctx, run, model.RunComposing, fmt.Errorf("update run counts: %w", err))
		return
	}
	if queued == 0 && composeFailed > 0 {
		o.fail(ctx, run, model.RunComposing, errors.New("composed no messages"))
		return
	}

	if err := o.store.TransitionRun(ctx, run.ID, model.RunComposing, model.RunSending); err != nil {
		o.fail(ctx, run, model.RunComposing, fmt.Errorf("enter sending: %w", err))
		return
	}
	if queued == 0 {
		// No active subscribers is a trivially successful run.
		o.complete(ctx, run, model.RunSending)
		return
	}

	stats, derr := o.dispatcher.Dispatch(ctx, run.ID, queued)
	run.Sent = stats.Sent
	run.Failed = composeFailed + stats.Failed
	run.Skipped = stats.Skipped

	switch {
	case derr != nil:
		o.fail(ctx, run, model.RunSending, fmt.Errorf("dispatch: %w", derr))
	case stats.Aborted:
		o.fail(ctx, run, model.RunSending, errors.New("failure threshold exceeded"))
	default:
		o.complete(ctx, run, model.RunSending)
	}
}

// recordComposeFailure persists a failed message for a subscriber whose
// composition blew up, so the run report accounts for every recipient.
func (o *Orchestrator) recordComposeFailure(ctx context.Context, runID string, sub model.Subscriber, cause error) {
	token, err := compose.NewToken()
	if err != nil {
		o.log.Error("generate token for failed message", "run_id", runID, "error", err)
		return
	}
	msg := &model.Message{
		RunID:        runID,
		SubscriberID: sub.ID,
		Email:        sub.Email,
		Token:        token,
		Status:       model.MessageFailed,
		LastError:    cause.Error(),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		o.log.Error("record failed message", "run_id", runID, "email", sub.Email, "error", err)
	}
}

// summarizeItems shortens item summaries in place. Summarization is
// best-effort enrichment; a failing summarizer leaves the original text.
func (o *Orchestrator) summarizeItems(ctx context.Context, items []model.ContentItem) {
	if o.summarizer == nil {
		return
	}
	for i := range items {
		if items[i].Summary == "" {
			continue
		}
		short, err := o.summarizer.Summarize(ctx, items[i].Summary)
		if err != nil {
			o.log.Warn("summarize item", "item_id", items[i].ID, "error", err)
			continue
		}
		items[i].Summary = short
	}
}

// complete persists final counters and moves the run to completed. Uses a
// detached context so a cancelled run still reaches its terminal status.
func (o *Orchestrator) complete(ctx context.Context, run *model.Run, from model.RunStatus) {
	sctx := context.WithoutCancel(ctx)
	if err := o.store.UpdateRunCounts(sctx, run); err != nil {
		o.log.Error("update run counts", "run_id", run.ID, "error", err)
	}
	if err := o.store.TransitionRun(sctx, run.ID, from, model.RunCompleted); err != nil {
		o.log.Error("complete run", "run_id", run.ID, "error", err)
		return
	}
	o.metrics.IncRunsCompleted()
	o.log.Info("run completed", "run_id", run.ID,
		"items", run.ItemCount, "sent", run.Sent, "failed", run.Failed, "skipped", run.Skipped)
}

// fail records the cause and moves the run to failed.
func (o *Orchestrator) fail(ctx context.Context, run *model.Run, from model.RunStatus, cause error) {
	sctx := context.WithoutCancel(ctx)
	run.LastError = cause.Error()
	if err := o.store.UpdateRunCounts(sctx, run); err != nil {
		o.log.Error("update run counts", "run_id", run.ID, "error", err)
	}
	if err := o.store.TransitionRun(sctx, run.ID, from, model.RunFailed); err != nil {
		o.log.Error("fail run", "run_id", run.ID, "error", err)
		return
	}
	o.metrics.IncRunsFailed()
	o.log.Error("run failed", "run_id", run.ID, "error", cause)
}
