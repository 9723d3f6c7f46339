package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer; one pooled connection also keeps
	// :memory: databases coherent across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSubscriber inserts a new subscriber and populates its ID and CreatedAt.
// Returns ErrConflict if the email is already registered.
func (s *SQLite) CreateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (email, interests, subscribed, created_at) VALUES (?, ?, ?, ?)`,
		sub.Email, joinList(sub.Interests), boolToInt(sub.Subscribed), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscriber %s: %w", sub.Email, ErrConflict)
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSubscriber returns a subscriber by email.
func (s *SQLite) GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, interests, subscribed, created_at FROM subscribers WHERE email = ?`, email,
	)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscriber %s: %w", email, ErrNotFound)
	}
	return sub, err
}

// SetSubscribed flips the subscription flag for the given email.
func (s *SQLite) SetSubscribed(ctx context.Context, email string, subscribed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET subscribed = ? WHERE email = ?`, boolToInt(subscribed), email,
	)
	if err != nil {
		return fmt.Errorf("update subscribed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscriber %s: %w", email, ErrNotFound)
	}
	return nil
}

// ListActiveSubscribers returns all currently subscribed recipients.
func (s *SQLite) ListActiveSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, interests, subscribed, created_at FROM subscribers WHERE subscribed = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// CreateRun inserts a new run record.
func (s *SQLite) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, item_count, attempted, sent, failed, skipped, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.ItemCount, run.Attempted, run.Sent, run.Failed, run.Skipped, run.LastError, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	run.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetRun returns a run by its ID.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, item_count, attempted, sent, failed, skipped, last_error, created_at, completed_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRecentRuns returns up to limit runs, newest first.
func (s *SQLite) ListRecentRuns(ctx context.Context, limit int) ([]model.Run, error) {
	query, args, err := sq.Select("id", "status", "item_count", "attempted", "sent", "failed", "skipped",
		"last_error", "created_at", "completed_at").
		From("runs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run from one status to another atomically.
// Returns ErrConflict if the run is not currently in the expected status.
func (s *SQLite) TransitionRun(ctx context.Context, id string, from, to model.RunStatus) error {
	var completedAt any
	if to.Terminal() {
		completedAt = time.Now().UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		string(to), completedAt, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not in status %s: %w", id, from, ErrConflict)
	}
	return nil
}

// UpdateRunCounts persists the counters and last error of a run.
func (s *SQLite) UpdateRunCounts(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET item_count = ?, attempted = ?, sent = ?, failed = ?, skipped = ?, last_error = ?
		 WHERE id = ?`,
		run.ItemCount, run.Attempted, run.Sent, run.Failed, run.Skipped, run.LastError, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run counts: %w", err)
	}
	return nil
}

// ActiveRun returns the non-terminal run, if any. Returns ErrNotFound when
// every run has completed or failed.
func (s *SQLite) ActiveRun(ctx context.Context) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, item_count, attempted, sent, failed, skipped, last_error, created_at, completed_at
		 FROM runs WHERE status IN ('pending', 'composing', 'sending') ORDER BY created_at DESC LIMIT 1`,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active run: %w", ErrNotFound)
	}
	return run, err
}

// SaveRunItems persists the ordered content item set used by a run.
func (s *SQLite) SaveRunItems(ctx context.Context, runID string, items []model.ContentItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_items (run_id, position, item_id, title, summary, url, source, tags, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, item.ID, item.Title, item.Summary, item.URL, item.Source,
			joinList(item.Tags), item.FetchedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert run item: %w", err)
		}
	}
	return tx.Commit()
}

// ListRunItems returns the content items of a run in their original order.
func (s *SQLite) ListRunItems(ctx context.Context, runID string) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, title, summary, url, source, tags, fetched_at
		 FROM run_items WHERE run_id = ? ORDER BY position`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.ContentItem
	for rows.Next() {
		var item model.ContentItem
		var tags, fetched string
		if err := rows.Scan(&item.ID, &item.Title, &item.Summary, &item.URL, &item.Source, &tags, &fetched); err != nil {
			return nil, fmt.Errorf("scan run item: %w", err)
		}
		item.Tags = splitList(tags)
		item.FetchedAt, _ = time.Parse(timeLayout, fetched)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateMessage inserts a composed message and populates its ID and CreatedAt.
func (s *SQLite) CreateMessage(ctx context.Context, msg *model.Message) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (run_id, subscriber_id, email, token, item_ids, subject, body, status, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RunID, msg.SubscriberID, msg.Email, msg.Token, joinList(msg.ItemIDs),
		msg.Subject, msg.Body, string(msg.Status), msg.Attempts, msg.LastError, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message token: %w", ErrConflict)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetMessageByToken resolves a tracking token to its message.
func (s *SQLite) GetMessageByToken(ctx context.Context, token string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessages+` WHERE token = ?`, token)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	return msg, err
}

// ListMessages returns all messages composed for a run.
func (s *SQLite) ListMessages(ctx context.Context, runID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessages+` WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// ClaimQueued atomically claims one queued message of the run, moving it to
// sending. Only one caller can win a given message; losers move on to the
// next candidate. Returns ErrNoQueued when nothing is left.
func (s *SQLite) ClaimQueued(ctx context.Context, runID string) (*model.Message, error) {
	for {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE run_id = ? AND status = 'queued' ORDER BY id LIMIT 1`, runID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoQueued
		}
		if err != nil {
			return nil, fmt.Errorf("select queued: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = 'sending' WHERE id = ? AND status = 'queued'`, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}

		row := s.db.QueryRowContext(ctx, selectMessages+` WHERE id = ?`, id)
		return scanMessage(row)
	}
}

// MarkSent finalizes a sending message as sent with the given attempt count.
func (s *SQLite) MarkSent(ctx context.Context, id int64, attempts int) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'sent', attempts = ?, last_error = '', sent_at = ? WHERE id = ? AND status = 'sending'`,
		attempts, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d not in sending state: %w", id, ErrConflict)
	}
	return nil
}

// MarkFailed finalizes a sending message as failed.
func (s *SQLite) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', attempts = ?, last_error = ? WHERE id = ? AND status = 'sending'`,
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d not in sending state: %w", id, ErrConflict)
	}
	return nil
}

// SkipQueued marks every remaining queued message of the run as skipped and
// returns how many were affected.
func (s *SQLite) SkipQueued(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'skipped' WHERE run_id = ? AND status = 'queued'`, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("skip queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountByStatus returns the number of messages per delivery status for a run.
func (s *SQLite) CountByStatus(ctx context.Context, runID string) (map[model.MessageStatus]int, error) {
	query, args, err := sq.Select("status", "COUNT(*)").
		From("messages").
		Where(sq.Eq{"run_id": runID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

// AppendEvent appends a raw tracking event. Events are never updated or
// deleted.
func (s *SQLite) AppendEvent(ctx context.Context, ev *model.TrackingEvent) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracking_events (kind, token, article_index, remote_addr, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.Token, ev.ArticleIndex, ev.RemoteAddr, ev.UserAgent, now,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	ev.ID = id
	ev.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListRunEvents returns every tracking event recorded against the run's
// messages, oldest first.
func (s *SQLite) ListRunEvents(ctx context.Context, runID string) ([]model.TrackingEvent, error) {
	query, args, err := sq.Select("e.id", "e.kind", "e.token", "e.article_index", "e.remote_addr", "e.user_agent", "e.created_at").
		From("tracking_events e").
		Join("messages m ON m.token = e.token").
		Where(sq.Eq{"m.run_id": runID}).
		OrderBy("e.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.TrackingEvent
	for rows.Next() {
		var ev model.TrackingEvent
		var kind, created string
		if err := rows.Scan(&ev.ID, &kind, &ev.Token, &ev.ArticleIndex, &ev.RemoteAddr, &ev.UserAgent, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.CreatedAt, _ = time.Parse(timeLayout, created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

const selectMessages = `SELECT id, run_id, subscriber_id, email, token, item_ids, subject, body, status, attempts, last_error, created_at, sent_at FROM messages`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var sub model.Subscriber
	var interests, created string
	var subscribed int
	err := row.Scan(&sub.ID, &sub.Email, &interests, &subscribed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	sub.Interests = splitList(interests)
	sub.Subscribed = subscribed == 1
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return &sub, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var run model.Run
	var status, created string
	var completed sql.NullString
	err := row.Scan(&run.ID, &status, &run.ItemCount, &run.Attempted, &run.Sent, &run.Failed,
		&run.Skipped, &run.LastError, &created, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt, _ = time.Parse(timeLayout, created)
	if completed.Valid {
		t, _ := time.Parse(timeLayout, completed.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

func scanMessage(row scannable) (*model.Message, error) {
	var msg model.Message
	var itemIDs, status, created string
	var sentAt sql.NullString
	err := row.Scan(&msg.ID, &msg.RunID, &msg.SubscriberID, &msg.Email, &msg.Token, &itemIDs,
		&msg.Subject, &msg.Body, &status, &msg.Attempts, &msg.LastError, &created, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ItemIDs = splitList(itemIDs)
	msg.Status = model.MessageStatus(status)
	msg.CreatedAt, _ = time.Parse(timeLayout, created)
	if sentAt.Valid {
		t, _ := time.Parse(timeLayout, sentAt.String)
		msg.SentAt = &t
	}
	return &msg, nil
}
