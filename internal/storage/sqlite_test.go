package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

var ignoreSubTS = cmpopts.IgnoreFields(model.Subscriber{}, "CreatedAt")
var ignoreMsgTS = cmpopts.IgnoreFields(model.Message{}, "CreatedAt", "SentAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateRun(t *testing.T, s *SQLite, id string) *model.Run {
	t.Helper()
	run := &model.Run{ID: id, Status: model.RunPending}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func mustCreateMessage(t *testing.T, s *SQLite, msg model.Message) *model.Message {
	t.Helper()
	if err := s.CreateMessage(context.Background(), &msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return &msg
}

func TestSubscriberLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	sub := model.Subscriber{Email: "a@example.com", Interests: []string{"tech", "ai"}, Subscribed: true}
	if err := s.CreateSubscriber(ctx, &sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == 0 {
		t.Fatal("expected non-zero ID")
	}

	dup := model.Subscriber{Email: "a@example.com", Subscribed: true}
	if err := s.CreateSubscriber(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}

	got, err := s.GetSubscriber(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := model.Subscriber{ID: sub.ID, Email: "a@example.com", Interests: []string{"tech", "ai"}, Subscribed: true}
	if diff := cmp.Diff(want, *got, ignoreSubTS); diff != "" {
		t.Errorf("GetSubscriber mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetSubscribed(ctx, "a@example.com", false); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := s.SetSubscribed(ctx, "missing@example.com", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	active, err := s.ListActiveSubscribers(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected 0 active subscribers, got %d", len(active))
	}
}

func TestRunTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")

	steps := []struct {
		from, to model.RunStatus
	}{
		{model.RunPending, model.RunComposing},
		{model.RunComposing, model.RunSending},
		{model.RunSending, model.RunCompleted},
	}
	for _, step := range steps {
		if err := s.TransitionRun(ctx, run.ID, step.from, step.to); err != nil {
			t.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}

	// Mismatched expected state is rejected.
	if err := s.TransitionRun(ctx, run.ID, model.RunPending, model.RunComposing); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on terminal transition")
	}
}

func TestActiveRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.ActiveRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no runs, got %v", err)
	}

	run := mustCreateRun(t, s, "run-1")
	got, err := s.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("expected active run %s, got %s", run.ID, got.ID)
	}

	if err := s.TransitionRun(ctx, run.ID, model.RunPending, model.RunFailed); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if _, err := s.ActiveRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after terminal transition, got %v", err)
	}
}

func TestRunItemsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")

	items := []model.ContentItem{
		{ID: "i1", Title: "First", URL: "https://a.com/1", Source: "A", Tags: []string{"tech"}, FetchedAt: time.Now().UTC().Truncate(time.Second)},
		{ID: "i2", Title: "Second", Summary: "sum", URL: "https://a.com/2", Source: "A", FetchedAt: time.Now().UTC().Truncate(time.Second)},
	}
	if err := s.SaveRunItems(ctx, run.ID, items); err != nil {
		t.Fatalf("save items: %v", err)
	}

	got, err := s.ListRunItems(ctx, run.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if diff := cmp.Diff(items, got); diff != "" {
		t.Errorf("run items mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")

	msg := mustCreateMessage(t, s, model.Message{
		RunID: run.ID, SubscriberID: 7, Email: "a@example.com", Token: "tok-1",
		ItemIDs: []string{"i1", "i2"}, Subject: "Digest", Body: "<html/>", Status: model.MessageQueued,
	})

	claimed, err := s.ClaimQueued(ctx, run.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != msg.ID || claimed.Status != model.MessageSending {
		t.Fatalf("expected message %d in sending, got %d in %s", msg.ID, claimed.ID, claimed.Status)
	}

	// A sent message requires passing through sending first.
	if err := s.MarkSent(ctx, msg.ID, 2); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.MarkSent(ctx, msg.ID, 2); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double MarkSent, got %v", err)
	}

	got, err := s.GetMessageByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	want := model.Message{
		ID: msg.ID, RunID: run.ID, SubscriberID: 7, Email: "a@example.com", Token: "tok-1",
		ItemIDs: []string{"i1", "i2"}, Subject: "Digest", Body: "<html/>",
		Status: model.MessageSent, Attempts: 2,
	}
	if diff := cmp.Diff(want, *got, ignoreMsgTS); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	if got.SentAt == nil {
		t.Error("expected SentAt to be set")
	}

	if _, err := s.GetMessageByToken(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
}

func TestClaimQueuedNeverDoubleClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")

	const total = 20
	for i := 0; i < total; i++ {
		mustCreateMessage(t, s, model.Message{
			RunID: run.ID, SubscriberID: int64(i), Email: "x@example.com",
			Token: fmt.Sprintf("tok-%d", i),
			Status: model.MessageQueued,
		})
	}

	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.ClaimQueued(ctx, run.ID)
				if errors.Is(err, ErrNoQueued) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d claimed messages, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %d claimed %d times", id, n)
		}
	}
}

func TestSkipQueued(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")

	mustCreateMessage(t, s, model.Message{RunID: run.ID, Email: "a@x.com", Token: "t1", Status: model.MessageQueued})
	mustCreateMessage(t, s, model.Message{RunID: run.ID, Email: "b@x.com", Token: "t2", Status: model.MessageQueued})
	mustCreateMessage(t, s, model.Message{RunID: run.ID, Email: "c@x.com", Token: "t3", Status: model.MessageQueued})

	claimed, err := s.ClaimQueued(ctx, run.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkSent(ctx, claimed.ID, 1); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	n, err := s.SkipQueued(ctx, run.ID)
	if err != nil {
		t.Fatalf("skip queued: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 skipped, got %d", n)
	}

	counts, err := s.CountByStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.MessageSkipped] != 2 {
		t.Errorf("expected 2 skipped in counts, got %d", counts[model.MessageSkipped])
	}
}

func TestEventsAppendAndListByRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	run := mustCreateRun(t, s, "run-1")
	other := mustCreateRun(t, s, "run-2")

	mustCreateMessage(t, s, model.Message{RunID: run.ID, Email: "a@x.com", Token: "tok-a", Status: model.MessageSent})
	mustCreateMessage(t, s, model.Message{RunID: other.ID, Email: "b@x.com", Token: "tok-b", Status: model.MessageSent})

	events := []model.TrackingEvent{
		{Kind: model.EventOpen, Token: "tok-a", ArticleIndex: -1, UserAgent: "ua"},
		{Kind: model.EventOpen, Token: "tok-a", ArticleIndex: -1},
		{Kind: model.EventClick, Token: "tok-a", ArticleIndex: 0},
		{Kind: model.EventOpen, Token: "tok-b", ArticleIndex: -1},
	}
	for i := range events {
		if err := s.AppendEvent(ctx, &events[i]); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	got, err := s.ListRunEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("list run events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events for run-1, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Token != "tok-a" {
			t.Errorf("unexpected token %q in run-1 events", ev.Token)
		}
	}
}

func TestListRecentRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		mustCreateRun(t, s, id)
	}

	got, err := s.ListRecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].ID != "run-3" {
		t.Errorf("expected newest first, got %s", got[0].ID)
	}
}
