package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kdhungel/ai-newsletter-system/internal/mail"
	"github.com/Kdhungel/ai-newsletter-system/internal/metrics"
	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeTransport scripts per-recipient outcomes by attempt number.
type fakeTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(to string, attempt int) error
}

func newFakeTransport(script func(to string, attempt int) error) *fakeTransport {
	return &fakeTransport{calls: make(map[string]int), script: script}
}

func (f *fakeTransport) Send(_ context.Context, to, _, _ string) error {
	f.mu.Lock()
	f.calls[to]++
	attempt := f.calls[to]
	f.mu.Unlock()
	if f.script == nil {
		return nil
	}
	return f.script(to, attempt)
}

func (f *fakeTransport) callCount(to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[to]
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *storage.SQLite, runID string, recipients int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateRun(ctx, &model.Run{ID: runID, Status: model.RunSending}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i := 0; i < recipients; i++ {
		msg := model.Message{
			RunID:  runID,
			Email:  fmt.Sprintf("user%d@example.com", i),
			Token:  fmt.Sprintf("tok-%d", i),
			Status: model.MessageQueued,
		}
		if err := s.CreateMessage(ctx, &msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
}

func testConfig() Config {
	return Config{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		SendTimeout:    time.Second,
	}
}

func TestDispatchTransientRetryThenSuccess(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", 1)

	transport := newFakeTransport(func(_ string, attempt int) error {
		if attempt <= 2 {
			return mail.Transient(errors.New("timeout"))
		}
		return nil
	})

	c := New(s, transport, metrics.New(), discard, testConfig())
	stats, err := c.Dispatch(context.Background(), "run-1", 1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	msgs, err := s.ListMessages(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if msgs[0].Status != model.MessageSent {
		t.Errorf("expected sent, got %s", msgs[0].Status)
	}
	if msgs[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", msgs[0].Attempts)
	}
}

func TestDispatchPermanentErrorNoRetry(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", 1)

	transport := newFakeTransport(func(_ string, _ int) error {
		return mail.Permanent(errors.New("no such user"))
	})

	c := New(s, transport, metrics.New(), discard, testConfig())
	stats, err := c.Dispatch(context.Background(), "run-1", 1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != 0 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := transport.callCount("user0@example.com"); got != 1 {
		t.Errorf("expected 1 transport call for permanent error, got %d", got)
	}

	msgs, _ := s.ListMessages(context.Background(), "run-1")
	if msgs[0].Status != model.MessageFailed || msgs[0].Attempts != 1 {
		t.Errorf("expected failed after 1 attempt, got %s after %d", msgs[0].Status, msgs[0].Attempts)
	}
	if msgs[0].LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestDispatchFailureThresholdAborts(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", 4)

	transport := newFakeTransport(func(_ string, _ int) error {
		return mail.Permanent(errors.New("rejected"))
	})

	cfg := testConfig()
	cfg.Workers = 1
	cfg.FailureThreshold = 0.4
	c := New(s, transport, metrics.New(), discard, cfg)

	stats, err := c.Dispatch(context.Background(), "run-1", 4)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !stats.Aborted {
		t.Fatal("expected aborted dispatch")
	}
	// Two failures push the rate past 0.4; the rest are skipped unattempted.
	if stats.Failed != 2 || stats.Skipped != 2 || stats.Sent != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Sent+stats.Failed+stats.Skipped != 4 {
		t.Errorf("accounting identity violated: %+v", stats)
	}
}

func TestDispatchAllRecipientsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	const total = 12
	seedRun(t, s, "run-1", total)

	transport := newFakeTransport(nil)
	cfg := testConfig()
	cfg.Workers = 4
	c := New(s, transport, metrics.New(), discard, cfg)

	stats, err := c.Dispatch(context.Background(), "run-1", total)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != total || stats.Failed != 0 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	for i := 0; i < total; i++ {
		to := fmt.Sprintf("user%d@example.com", i)
		if got := transport.callCount(to); got != 1 {
			t.Errorf("recipient %s received %d sends", to, got)
		}
	}
}

func TestDispatchCancellationSkipsRemaining(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	transport := newFakeTransport(func(_ string, _ int) error {
		cancel() // cancel mid-run; the in-flight send still completes
		return nil
	})

	cfg := testConfig()
	cfg.Workers = 1
	c := New(s, transport, metrics.New(), discard, cfg)

	stats, err := c.Dispatch(ctx, "run-1", 3)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent < 1 {
		t.Fatalf("expected at least one sent message, got %+v", stats)
	}
	if stats.Sent+stats.Failed+stats.Skipped != 3 {
		t.Errorf("accounting identity violated: %+v", stats)
	}

	counts, err := s.CountByStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.MessageQueued] != 0 || counts[model.MessageSending] != 0 {
		t.Errorf("expected no queued or sending messages left, got %v", counts)
	}
}
