// Package dispatch drives concurrent message sending for a run with bounded
// retry, rate limiting, and a run-level failure threshold.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Kdhungel/ai-newsletter-system/internal/mail"
	"github.com/Kdhungel/ai-newsletter-system/internal/metrics"
	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
)

// Config tunes the dispatch coordinator.
type Config struct {
	// Workers is the worker pool width; keep it conservative relative to
	// the transport's rate limit.
	Workers int
	// MaxAttempts caps send attempts per message, including the first.
	MaxAttempts int
	// InitialBackoff is the first retry delay; subsequent delays double.
	InitialBackoff time.Duration
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
	// Throttle is the pause between sends on one worker.
	Throttle time.Duration
	// FailureThreshold aborts the run when failed/attempted exceeds it.
	// Zero disables the threshold.
	FailureThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Stats summarizes the outcome of one dispatch pass.
type Stats struct {
	Sent    int
	Failed  int
	Skipped int
	Aborted bool
}

// Coordinator sends every queued message of a run exactly once under normal
// conditions. Workers claim messages through the store's atomic
// queued-to-sending transition, so no two workers ever process the same
// message and a crash-restart never re-submits a sent message.
type Coordinator struct {
	store     storage.Storage
	transport mail.Transport
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       Config
}

// New creates a Coordinator.
func New(store storage.Storage, transport mail.Transport, m *metrics.Metrics, log *slog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:     store,
		transport: transport,
		metrics:   m,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// Dispatch drains the run's queued messages. attempted is the number of
// messages eligible for sending, used as the failure-threshold denominator.
// On cancellation or threshold abort, in-flight sends complete and the
// remaining queued messages are marked skipped, never attempted.
func (c *Coordinator) Dispatch(ctx context.Context, runID string, attempted int) (Stats, error) {
	var sent, failed atomic.Int64
	var aborted atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil || aborted.Load() {
					return nil
				}

				msg, err := c.store.ClaimQueued(gctx, runID)
				if errors.Is(err, storage.ErrNoQueued) {
					return nil
				}
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}

				if c.sendOne(gctx, msg) {
					sent.Add(1)
					c.metrics.IncSent()
				} else {
					failed.Add(1)
					c.metrics.IncFailed()
					if c.cfg.FailureThreshold > 0 && attempted > 0 &&
						float64(failed.Load())/float64(attempted) > c.cfg.FailureThreshold {
						aborted.Store(true)
					}
				}

				if c.cfg.Throttle > 0 {
					select {
					case <-gctx.Done():
					case <-time.After(c.cfg.Throttle):
					}
				}
			}
		})
	}
	err := g.Wait()

	// Whatever stopped the pass, unattempted messages are skipped, not sent.
	skipped, skipErr := c.store.SkipQueued(context.WithoutCancel(ctx), runID)
	if skipErr != nil {
		c.log.Error("skip queued messages", "run_id", runID, "error", skipErr)
	}

	stats := Stats{
		Sent:    int(sent.Load()),
		Failed:  int(failed.Load()),
		Skipped: skipped,
		Aborted: aborted.Load(),
	}
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// sendOne delivers a single claimed message, retrying transient transport
// failures with exponential backoff, and persists the terminal status.
// Reports whether the message was sent.
func (c *Coordinator) sendOne(ctx context.Context, msg *model.Message) bool {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), retry.NewExponential(c.cfg.InitialBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			c.metrics.IncRetried()
		}

		sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()

		if err := c.transport.Send(sctx, msg.Email, msg.Subject, msg.Body); err != nil {
			if mail.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})

	// Terminal status must be persisted even if the run context is gone.
	sctx := context.WithoutCancel(ctx)
	if err != nil {
		c.log.Warn("message delivery failed", "message_id", msg.ID, "attempts", attempts, "error", err)
		if merr := c.store.MarkFailed(sctx, msg.ID, attempts, err.Error()); merr != nil {
			c.log.Error("mark message failed", "message_id", msg.ID, "error", merr)
		}
		return false
	}

	if merr := c.store.MarkSent(sctx, msg.ID, attempts); merr != nil {
		c.log.Error("mark message sent", "message_id", msg.ID, "error", merr)
		return false
	}
	c.log.Debug("message sent", "message_id", msg.ID, "attempts", attempts)
	return true
}
