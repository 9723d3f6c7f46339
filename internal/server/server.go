// Package server exposes the HTTP surface: tracking endpoints, run control,
// analytics, and subscriber management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/Kdhungel/ai-newsletter-system/internal/metrics"
	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/pipeline"
	"github.com/Kdhungel/ai-newsletter-system/internal/storage"
	"github.com/Kdhungel/ai-newsletter-system/internal/tracking"
)

// pixel is a 1x1 transparent GIF, the response body of the open endpoint.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Tracker records engagement events.
type Tracker interface {
	RecordOpen(ctx context.Context, token string, meta tracking.RequestMeta) error
	RecordClick(ctx context.Context, token string, articleIndex int, meta tracking.RequestMeta) (string, error)
}

// Reporter serves engagement summaries.
type Reporter interface {
	Summarize(ctx context.Context, runID string) (*model.EngagementSummary, error)
	Recent(ctx context.Context, limit int) ([]model.EngagementSummary, error)
}

// RunStarter starts a newsletter run in the background.
type RunStarter interface {
	StartRunAsync(ctx context.Context) (string, error)
}

// Server holds the HTTP handler dependencies.
type Server struct {
	store       storage.Storage
	tracker     Tracker
	reporter    Reporter
	starter     RunStarter
	metrics     *metrics.Metrics
	log         *slog.Logger
	fallbackURL string
	started     time.Time

	// runCtx outlives requests; background runs started over HTTP must not
	// die with the request that triggered them.
	runCtx context.Context
}

// New creates a Server. fallbackURL is where broken click links redirect.
func New(runCtx context.Context, store storage.Storage, tracker Tracker, reporter Reporter,
	starter RunStarter, m *metrics.Metrics, log *slog.Logger, fallbackURL string) *Server {
	return &Server{
		store:       store,
		tracker:     tracker,
		reporter:    reporter,
		starter:     starter,
		metrics:     m,
		log:         log,
		fallbackURL: fallbackURL,
		started:     time.Now(),
		runCtx:      runCtx,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /track/open/{token}", s.handleOpen)
	mux.HandleFunc("GET /track/click/{token}/{index}", s.handleClick)

	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.HandleFunc("GET /analytics/{runID}", s.handleRunAnalytics)

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /unsubscribe/{email}", s.handleUnsubscribe)
	mux.HandleFunc("GET /subscribers", s.handleListSubscribers)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// handleOpen records an open and always serves the pixel; a broken image in
// the recipient's mail client helps nobody.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	err := s.tracker.RecordOpen(r.Context(), token, requestMeta(r))
	if err == nil {
		s.metrics.IncOpens()
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("record open", "error", err)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

// handleClick records a click and redirects to the article, or to the
// fallback URL when the link is broken. The reader always lands somewhere.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Redirect(w, r, s.fallbackURL, http.StatusFound)
		return
	}

	target, err := s.tracker.RecordClick(r.Context(), token, index, requestMeta(r))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, tracking.ErrInvalidIndex) {
			s.log.Error("record click", "error", err)
		}
		http.Redirect(w, r, s.fallbackURL, http.StatusFound)
		return
	}
	s.metrics.IncClicks()
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = n
	}

	summaries, err := s.reporter.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, "recent analytics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (s *Server) handleRunAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reporter.Summarize(r.Context(), r.PathValue("runID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "run analytics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.starter.StartRunAsync(s.runCtx)
	if errors.Is(err, pipeline.ErrRunActive) {
		s.writeError(w, http.StatusConflict, "conflict", "a run is already active")
		return
	}
	if err != nil {
		s.internalError(w, "start run", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type runResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ItemCount   int        `json:"item_count"`
	Attempted   int        `json:"attempted"`
	Sent        int        `json:"sent"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toRunResponse(run *model.Run) runResponse {
	return runResponse{
		ID:          run.ID,
		Status:      string(run.Status),
		ItemCount:   run.ItemCount,
		Attempted:   run.Attempted,
		Sent:        run.Sent,
		Failed:      run.Failed,
		Skipped:     run.Skipped,
		LastError:   run.LastError,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunResponse(run))
}

type subscribeRequest struct {
	Email     string   `json:"email"`
	Interests []string `json:"interests"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid email address")
		return
	}

	sub := model.Subscriber{Email: req.Email, Interests: req.Interests, Subscribed: true}
	err := s.store.CreateSubscriber(r.Context(), &sub)
	if errors.Is(err, storage.ErrConflict) {
		// Re-subscribing is idempotent.
		if err := s.store.SetSubscribed(r.Context(), req.Email, true); err != nil {
			s.internalError(w, "resubscribe", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"email": req.Email, "status": "subscribed"})
		return
	}
	if err != nil {
		s.internalError(w, "subscribe", err)
		return
	}
	s.log.Info("subscriber added", "email", req.Email)
	s.writeJSON(w, http.StatusCreated, map[string]string{"email": req.Email, "status": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(strings.ToLower(r.PathValue("email")))
	err := s.store.SetSubscribed(r.Context(), email, false)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "subscriber not found")
		return
	}
	if err != nil {
		s.internalError(w, "unsubscribe", err)
		return
	}
	s.log.Info("subscriber removed", "email", email)
	s.writeJSON(w, http.StatusOK, map[string]string{"email": email, "status": "unsubscribed"})
}

type subscriberResponse struct {
	Email     string   `json:"email"`
	Interests []string `json:"interests"`
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListActiveSubscribers(r.Context())
	if err != nil {
		s.internalError(w, "list subscribers", err)
		return
	}
	out := make([]subscriberResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriberResponse{Email: sub.Email, Interests: sub.Interests})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscribers": out, "count": len(out)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func requestMeta(r *http.Request) tracking.RequestMeta {
	return tracking.RequestMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal", fmt.Sprintf("%s failed", op))
}
