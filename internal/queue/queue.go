// Package queue provides the crash-safe local store of pending failure
// reports, using SQLite with WAL mode for ACID guarantees across process
// restarts. Entries are owned exclusively by the queue: the uploader
// borrows them for transmission and either acks (removes) or nacks
// (reschedules) them, and nothing mutates a persisted entry in between.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/faultlinehq/faultline/pkg/event"
)

// Status of a durable entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDead     Status = "dead"
)

// Config controls queue behavior.
type Config struct {
	Path           string        // SQLite database file
	Capacity       int           // max live (pending + inflight) entries (default 2000)
	MaxAttempts    int           // delivery attempts before dead-lettering (default 8)
	RetryBaseDelay time.Duration // backoff base (default 2s)
	RetryMaxDelay  time.Duration // backoff cap (default 5m)
	RetentionDays  int           // days to keep dead-lettered entries (default 7)
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:       2000,
		MaxAttempts:    8,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
		RetentionDays:  7,
	}
}

// Entry is one durable unit: a flushed report plus delivery metadata.
type Entry struct {
	ID          string
	Fingerprint string
	Fatal       bool
	Report      *event.Report
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	NextRetryAt time.Time
	LastError   string
	Status      Status
}

// PersistenceError reports a failed durable-queue write. This is fatal
// to the pipeline's delivery guarantee and must reach the process log;
// silent loss defeats the pipeline's purpose.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("durable queue %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Stats summarizes queue depths by state.
type Stats struct {
	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
	Dead     int `json:"dead"`
	Total    int `json:"total"`
}

// Queue is the SQLite-backed durable report queue.
type Queue struct {
	cfg     Config
	db      *sql.DB
	metrics *Metrics
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	fatal INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	enqueued_at INTEGER NOT NULL,
	next_retry INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	dead_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_reports_eligible ON reports(status, fatal, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_reports_fingerprint ON reports(fingerprint, enqueued_at);
CREATE TABLE IF NOT EXISTS queue_meta (key TEXT PRIMARY KEY, value TEXT);
`

// Open opens (or creates) the durable queue. Entries left in-flight by a
// crashed process are reset to pending so they are retried; partial-ack
// assumptions never survive a restart.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// Single-writer discipline: one connection avoids SQLITE_BUSY churn
	// between the enqueue path and the uploader's ack/nack path.
	db.SetMaxOpenConns(1)

	q := &Queue{cfg: cfg, db: db, metrics: NewMetrics()}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO queue_meta (key, value) VALUES ('schema_version', '1')"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema version: %w", err)
	}

	recovered, err := q.recoverInflight(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		q.metrics.RecordRecovered(recovered)
	}

	return q, nil
}

// recoverInflight resets entries a previous process left in-flight.
func (q *Queue) recoverInflight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE reports SET status = ? WHERE status = ?", StatusPending, StatusInflight)
	if err != nil {
		return 0, &PersistenceError{Op: "recover", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Enqueue persists one report. On success the entry is observable even
// if the process dies immediately after return. At capacity, the oldest
// non-fatal entries are evicted first, then the oldest fatal entries,
// and the drop count is recorded rather than lost silently.
func (q *Queue) Enqueue(ctx context.Context, r *event.Report) (*Entry, error) {
	payload, err := event.MarshalReport(r)
	if err != nil {
		return nil, &PersistenceError{Op: "serialize", Err: err}
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Fingerprint: r.Fingerprint,
		Fatal:       r.Fatal(),
		Report:      r,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now(),
		Status:      StatusPending,
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin enqueue", Err: err}
	}
	defer tx.Rollback()

	evicted, err := evictForCapacity(ctx, tx, q.cfg.Capacity)
	if err != nil {
		return nil, err
	}

	fatal := 0
	if entry.Fatal {
		fatal = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, fingerprint, fatal, payload, attempts, max_attempts, enqueued_at, next_retry, status)
		VALUES (?, ?, ?, ?, 0, ?, ?, 0, ?)`,
		entry.ID, entry.Fingerprint, fatal, string(payload),
		entry.MaxAttempts, entry.EnqueuedAt.UnixNano(), StatusPending,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "insert", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit enqueue", Err: err}
	}

	q.metrics.RecordEnqueued(entry.Fatal)
	if evicted > 0 {
		q.metrics.RecordEvicted(evicted)
	}
	q.updateGauges(ctx)

	return entry, nil
}

// evictForCapacity makes room for one new entry inside the enqueue
// transaction. Dead-lettered entries never count against capacity.
func evictForCapacity(ctx context.Context, tx *sql.Tx, capacity int) (int, error) {
	var live int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reports WHERE status IN (?, ?)", StatusPending, StatusInflight,
	).Scan(&live)
	if err != nil {
		return 0, &PersistenceError{Op: "count live", Err: err}
	}
	if live < capacity {
		return 0, nil
	}

	evicted := 0
	toDrop := live - capacity + 1
	for _, fatal := range []int{0, 1} {
		if toDrop <= 0 {
			break
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM reports WHERE id IN (
				SELECT id FROM reports
				WHERE status = ? AND fatal = ?
				ORDER BY enqueued_at ASC LIMIT ?
			)`, StatusPending, fatal, toDrop)
		if err != nil {
			return 0, &PersistenceError{Op: "evict", Err: err}
		}
		n, _ := res.RowsAffected()
		evicted += int(n)
		toDrop -= int(n)
	}
	return evicted, nil
}

// PeekBatch borrows up to maxCount entries for transmission, marking
// them in-flight atomically. Fatal-derived entries come ahead of
// non-fatal entries of earlier enqueue time. Within one fingerprint only
// the oldest undelivered entry is eligible, which keeps a fingerprint's
// reports strictly in enqueue order across retries.
func (q *Queue) PeekBatch(ctx context.Context, maxCount int) ([]*Entry, error) {
	if maxCount <= 0 {
		maxCount = 50
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin peek", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, fingerprint, fatal, payload, attempts, max_attempts, enqueued_at, next_retry, last_error
		FROM reports r
		WHERE status = ? AND next_retry <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM reports r2
			WHERE r2.fingerprint = r.fingerprint
			  AND r2.status IN (?, ?)
			  AND (r2.enqueued_at < r.enqueued_at OR (r2.enqueued_at = r.enqueued_at AND r2.id < r.id))
		  )
		ORDER BY fatal DESC, enqueued_at ASC
		LIMIT ?`,
		StatusPending, now, StatusPending, StatusInflight, maxCount)
	if err != nil {
		return nil, &PersistenceError{Op: "query batch", Err: err}
	}

	var entries []*Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &PersistenceError{Op: "iterate batch", Err: err}
	}
	rows.Close()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"UPDATE reports SET status = ? WHERE id = ?", StatusInflight, e.ID); err != nil {
			return nil, &PersistenceError{Op: "mark inflight", Err: err}
		}
		e.Status = StatusInflight
	}

	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit peek", Err: err}
	}

	q.metrics.RecordPeeked(len(entries))
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		fatal      int
		payload    string
		enqueuedAt int64
		nextRetry  int64
	)
	if err := row.Scan(&e.ID, &e.Fingerprint, &fatal, &payload,
		&e.Attempts, &e.MaxAttempts, &enqueuedAt, &nextRetry, &e.LastError); err != nil {
		return nil, &PersistenceError{Op: "scan entry", Err: err}
	}
	e.Fatal = fatal != 0
	e.EnqueuedAt = time.Unix(0, enqueuedAt)
	if nextRetry > 0 {
		e.NextRetryAt = time.Unix(0, nextRetry)
	}
	r, err := event.UnmarshalReport([]byte(payload))
	if err != nil {
		return nil, &PersistenceError{Op: "decode entry", Err: err}
	}
	e.Report = r
	return &e, nil
}

// Ack removes delivered entries. An acknowledged entry is never retried.
func (q *Queue) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM reports WHERE status = ? AND id IN (%s)", placeholders(len(ids)))
	args := append([]any{StatusInflight}, idArgs(ids)...)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "ack", Err: err}
	}
	n, _ := res.RowsAffected()
	q.metrics.RecordAcked(int(n))
	q.updateGauges(ctx)
	return nil
}

// Nack reschedules failed entries with exponential backoff, incrementing
// their attempt count. Entries that exhaust their attempts move to the
// dead-letter set instead of being retried indefinitely.
func (q *Queue) Nack(ctx context.Context, ids []string, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin nack", Err: err}
	}
	defer tx.Rollback()

	retried, deadened := 0, 0
	for _, id := range ids {
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx,
			"SELECT attempts, max_attempts FROM reports WHERE id = ? AND status = ?",
			id, StatusInflight,
		).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return &PersistenceError{Op: "nack lookup", Err: err}
		}

		attempts++
		if attempts >= maxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE reports SET status = ?, attempts = ?, last_error = ?, dead_at = ?
				WHERE id = ?`,
				StatusDead, attempts, msg, time.Now().UnixNano(), id)
			deadened++
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE reports SET status = ?, attempts = ?, last_error = ?, next_retry = ?
				WHERE id = ?`,
				StatusPending, attempts, msg, q.nextRetryAt(attempts).UnixNano(), id)
			retried++
		}
		if err != nil {
			return &PersistenceError{Op: "nack update", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit nack", Err: err}
	}

	q.metrics.RecordRetried(retried)
	q.metrics.RecordDeadLettered(deadened)
	q.updateGauges(ctx)
	return nil
}

// DeadLetterNow moves entries directly to the dead-letter set without
// further retries. Used for rejections that cannot succeed on retry.
func (q *Queue) DeadLetterNow(ctx context.Context, ids []string, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := fmt.Sprintf(
		"UPDATE reports SET status = ?, last_error = ?, dead_at = ? WHERE status = ? AND id IN (%s)",
		placeholders(len(ids)))
	args := append([]any{StatusDead, msg, time.Now().UnixNano(), StatusInflight}, idArgs(ids)...)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "dead-letter", Err: err}
	}
	n, _ := res.RowsAffected()
	q.metrics.RecordDeadLettered(int(n))
	q.updateGauges(ctx)
	return nil
}

// DeadLetter returns entries that exhausted their attempts, surfaced for
// manual inspection. They are not retried automatically.
func (q *Queue) DeadLetter(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, fingerprint, fatal, payload, attempts, max_attempts, enqueued_at, next_retry, last_error
		FROM reports WHERE status = ? ORDER BY enqueued_at ASC`, StatusDead)
	if err != nil {
		return nil, &PersistenceError{Op: "query dead-letter", Err: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		e.Status = StatusDead
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Requeue resets dead-lettered entries for another round of delivery,
// e.g. after a collector-side fix.
func (q *Queue) Requeue(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE reports SET status = ?, attempts = 0, next_retry = 0, dead_at = NULL WHERE status = ? AND id IN (%s)",
		placeholders(len(ids)))
	args := append([]any{StatusPending, StatusDead}, idArgs(ids)...)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "requeue", Err: err}
	}
	n, _ := res.RowsAffected()
	q.metrics.RecordRequeued(int(n))
	q.updateGauges(ctx)
	return nil
}

// CleanupDeadLetters purges dead-lettered entries older than the
// retention period and returns the number removed.
func (q *Queue) CleanupDeadLetters(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -q.cfg.RetentionDays).UnixNano()
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM reports WHERE status = ? AND dead_at IS NOT NULL AND dead_at < ?",
		StatusDead, cutoff)
	if err != nil {
		return 0, &PersistenceError{Op: "cleanup dead-letter", Err: err}
	}
	n, _ := res.RowsAffected()
	q.updateGauges(ctx)
	return int(n), nil
}

// Stats returns current depths by state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'inflight' THEN 1 END),
			COUNT(CASE WHEN status = 'dead' THEN 1 END),
			COUNT(*)
		FROM reports`).Scan(&s.Pending, &s.Inflight, &s.Dead, &s.Total)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}
	return &s, nil
}

// nextRetryAt computes the retry time for the given attempt with
// exponential backoff and 10% jitter against thundering herds.
func (q *Queue) nextRetryAt(attempt int) time.Time {
	delay := float64(q.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(q.cfg.RetryMaxDelay) {
		delay = float64(q.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.10 * (rand.Float64()*2 - 1)
	return time.Now().Add(time.Duration(delay + jitter))
}

func (q *Queue) updateGauges(ctx context.Context) {
	if s, err := q.Stats(ctx); err == nil {
		q.metrics.UpdateGauges(s.Pending, s.Inflight, s.Dead)
	}
}

// Metrics exposes the queue's metrics collector.
func (q *Queue) Metrics() *Metrics {
	return q.metrics
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close queue database: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
