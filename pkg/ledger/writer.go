package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/Mindburn-Labs/pulsetrader/pkg/canonicaljson"
	"github.com/Mindburn-Labs/pulsetrader/pkg/observability"
	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

// InboundEvent is one submission to the write worker.
type InboundEvent struct {
	SourceSystem    string
	SourceEventID   string
	Payload         map[string]any
	SourceSequence  *int64
	SourceEmittedAt string
}

// WriteResult reports the outcome of a single write, surfaced to tests and
// the optional result hook.
type WriteResult struct {
	Status   string // ok | poison
	Attempts int
	Message  string
}

// Options tunes the worker queue and lock-retry policy.
type Options struct {
	QueueSize      int
	LockRetryLimit int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:      5000,
		LockRetryLimit: 5,
		BackoffBase:    100 * time.Millisecond,
		BackoffCap:     5 * time.Second,
	}
}

type queueItem struct {
	stop  bool
	event InboundEvent
}

// WriteWorker serializes every ledger transaction through one goroutine
// draining a bounded queue. It is the only writer of event_ledger and
// ingest_poison_messages.
type WriteWorker struct {
	dbPath string
	opts   Options
	logger *slog.Logger
	otel   *observability.EngineMetrics

	db    *sql.DB
	conn  *sql.Conn
	queue chan queueItem
	done  chan struct{}

	startMu sync.Mutex
	started bool

	fatalMu sync.Mutex
	fatal   error

	// test seams
	sleepFn  func(time.Duration)
	randFn   func() float64
	now      func() time.Time
	onResult func(WriteResult)
}

// NewWriteWorker builds a stopped worker. metrics may be nil.
func NewWriteWorker(dbPath string, opts Options, metrics *observability.EngineMetrics) *WriteWorker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	return &WriteWorker{
		dbPath:  dbPath,
		opts:    opts,
		logger:  slog.Default().With("component", "ledger.writer"),
		otel:    metrics,
		sleepFn: time.Sleep,
		randFn:  rand.Float64,
		now:     time.Now,
	}
}

// Start opens the database, applies migrations, runs the startup checks,
// and launches the worker goroutine. Calling Start on a running worker is a
// no-op.
func (w *WriteWorker) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return nil
	}

	db, err := Open(w.dbPath)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("acquire writer connection: %w", err)
	}
	if err := ApplyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return err
	}
	if err := VerifyRuntimePragmas(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return &StartupSchemaMismatch{Message: err.Error()}
	}
	if err := VerifySchema(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return &StartupSchemaMismatch{Message: err.Error()}
	}

	w.db = db
	w.conn = conn
	w.queue = make(chan queueItem, w.opts.QueueSize)
	w.done = make(chan struct{})
	w.started = true
	go w.run()
	w.logger.Info("ledger writer started", "db_path", w.dbPath, "queue_size", w.opts.QueueSize)
	return nil
}

// Stop enqueues the sentinel, waits for the worker to drain up to it, and
// closes the connection.
func (w *WriteWorker) Stop(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if !w.started {
		return nil
	}
	select {
	case w.queue <- queueItem{stop: true}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := w.conn.Close()
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	w.started = false
	w.logger.Info("ledger writer stopped")
	return err
}

// Submit enqueues one event. It blocks when the queue is full and fails
// only on context cancellation.
func (w *WriteWorker) Submit(ctx context.Context, event InboundEvent) error {
	select {
	case w.queue <- queueItem{event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err reports a fatal worker error, if the worker terminated on one.
func (w *WriteWorker) Err() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatal
}

func (w *WriteWorker) run() {
	defer close(w.done)
	for item := range w.queue {
		if item.stop {
			return
		}
		result, err := w.writeWithRetries(item.event)
		if err != nil {
			w.fatalMu.Lock()
			w.fatal = err
			w.fatalMu.Unlock()
			w.logger.Error("ledger writer fatal error", "error", err)
			return
		}
		if w.onResult != nil {
			w.onResult(result)
		}
	}
}

func (w *WriteWorker) writeWithRetries(event InboundEvent) (WriteResult, error) {
	ctx := context.Background()

	if event.SourceSystem == "" || event.SourceEventID == "" {
		if err := w.recordPoison(ctx, event, "missing source_system/source_event_id"); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Status: "poison", Attempts: 0, Message: "missing id"}, nil
	}

	for attempt := 1; attempt <= w.opts.LockRetryLimit+1; attempt++ {
		err := w.upsertEvent(ctx, event)
		if err == nil {
			return WriteResult{Status: "ok", Attempts: attempt}, nil
		}
		if !isTransientLock(err) {
			return WriteResult{}, err
		}
		if attempt > w.opts.LockRetryLimit {
			reason := fmt.Sprintf("db lock retries exhausted: %v", err)
			if perr := w.recordPoison(ctx, event, reason); perr != nil {
				return WriteResult{}, perr
			}
			return WriteResult{Status: "poison", Attempts: attempt, Message: err.Error()}, nil
		}
		delay := w.backoffDelay(attempt)
		w.logger.Warn("ledger write retry on lock",
			"source_event_id", event.SourceEventID,
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds())
		w.sleepFn(delay)
	}
	return WriteResult{}, errors.New("unreachable")
}

// backoffDelay draws from U(0, min(cap, base * 2^(attempt-1))).
func (w *WriteWorker) backoffDelay(attempt int) time.Duration {
	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}
	ceiling := math.Min(w.opts.BackoffCap.Seconds(), w.opts.BackoffBase.Seconds()*math.Pow(2, float64(exponent)))
	return time.Duration(w.randFn() * ceiling * float64(time.Second))
}

func (w *WriteWorker) recordPoison(ctx context.Context, event InboundEvent, reason string) error {
	payloadJSON, err := canonicaljson.MarshalString(event.Payload)
	if err != nil {
		return fmt.Errorf("serialize poison payload: %w", err)
	}
	_, err = w.conn.ExecContext(ctx, `
INSERT INTO ingest_poison_messages(source_system, source_event_id, reason, payload_json)
VALUES (?, ?, ?, ?)`,
		nullIfEmpty(event.SourceSystem), nullIfEmpty(event.SourceEventID), reason, payloadJSON)
	if err != nil {
		return fmt.Errorf("record poison message: %w", err)
	}
	w.logger.Warn("poison message recorded",
		"source_system", event.SourceSystem,
		"source_event_id", event.SourceEventID,
		"reason", reason)
	if w.otel != nil {
		w.otel.AddPoison(ctx, reason)
	}
	return nil
}

func (w *WriteWorker) upsertEvent(ctx context.Context, event InboundEvent) error {
	payloadJSON, payloadSHA, err := canonicaljson.MarshalWithHash(event.Payload)
	if err != nil {
		return fmt.Errorf("serialize ledger payload: %w", err)
	}
	now := timeutil.FormatISO(w.now())

	if _, err := w.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	_, err = w.conn.ExecContext(ctx, upsertEventSQL,
		event.SourceSystem,
		event.SourceEventID,
		sequenceArg(event.SourceSequence),
		nullIfEmpty(event.SourceEmittedAt),
		string(payloadJSON),
		payloadSHA,
		now,
		now,
	)
	if err != nil {
		_, _ = w.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := w.conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = w.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

// upsertEventSQL implements the idempotent ingest with the sticky
// dead_letter rule: a dead-lettered record keeps its state, error, and
// processed_at across re-ingests.
const upsertEventSQL = `
INSERT INTO event_ledger(
    source_system,
    source_event_id,
    source_sequence,
    source_emitted_at,
    payload_json,
    payload_sha256,
    ingest_first_seen_at,
    ingest_last_seen_at,
    ingest_attempt_count,
    process_state,
    process_error,
    processed_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'pending', NULL, NULL)
ON CONFLICT(source_system, source_event_id) DO UPDATE SET
    source_sequence = COALESCE(excluded.source_sequence, event_ledger.source_sequence),
    source_emitted_at = COALESCE(excluded.source_emitted_at, event_ledger.source_emitted_at),
    payload_json = excluded.payload_json,
    payload_sha256 = excluded.payload_sha256,
    ingest_last_seen_at = excluded.ingest_last_seen_at,
    ingest_attempt_count = event_ledger.ingest_attempt_count + 1,
    process_state = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.process_state
        ELSE 'pending'
    END,
    process_error = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.process_error
        ELSE NULL
    END,
    processed_at = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.processed_at
        ELSE NULL
    END`

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// isTransientLock recognizes retryable sqlite lock contention, by driver
// result code when available and by message otherwise.
func isTransientLock(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		if code == sqliteBusy || code == sqliteLocked {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sequenceArg(seq *int64) any {
	if seq == nil {
		return nil
	}
	return *seq
}
