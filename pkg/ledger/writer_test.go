package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestWorker(t *testing.T, opts Options) (*WriteWorker, chan WriteResult, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	worker := NewWriteWorker(dbPath, opts, nil)
	worker.sleepFn = func(time.Duration) {}

	results := make(chan WriteResult, 16)
	worker.onResult = func(r WriteResult) { results <- r }

	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })
	return worker, results, dbPath
}

func awaitResult(t *testing.T, results chan WriteResult) WriteResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write result")
		return WriteResult{}
	}
}

func TestDuplicateIngestIsIdempotent(t *testing.T) {
	worker, results, dbPath := startTestWorker(t, DefaultOptions())

	clock := time.UnixMilli(1740000000000).UTC()
	worker.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	seq := int64(7)
	event := InboundEvent{
		SourceSystem:   "kalshi",
		SourceEventID:  "trade:tr-1",
		Payload:        map[string]any{"price": 40},
		SourceSequence: &seq,
	}
	require.NoError(t, worker.Submit(context.Background(), event))
	require.Equal(t, WriteResult{Status: "ok", Attempts: 1}, awaitResult(t, results))

	event.Payload = map[string]any{"price": 41}
	require.NoError(t, worker.Submit(context.Background(), event))
	require.Equal(t, WriteResult{Status: "ok", Attempts: 1}, awaitResult(t, results))

	reader, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	var count, attempts int
	var payload, state, firstSeen, last string
	var sequence int64
	require.NoError(t, reader.QueryRow("SELECT COUNT(*) FROM event_ledger").Scan(&count))
	require.Equal(t, 1, count)

	row := reader.QueryRow(`
SELECT ingest_attempt_count, payload_json, process_state, ingest_first_seen_at, ingest_last_seen_at, source_sequence
FROM event_ledger WHERE source_system = ? AND source_event_id = ?`, "kalshi", "trade:tr-1")
	require.NoError(t, row.Scan(&attempts, &payload, &state, &firstSeen, &last, &sequence))
	require.Equal(t, 2, attempts)
	require.Equal(t, `{"price":41}`, payload)
	require.Equal(t, "pending", state)
	require.Equal(t, int64(7), sequence)
	require.NotEqual(t, firstSeen, last)
}

func TestDeadLetterStateIsSticky(t *testing.T) {
	worker, results, dbPath := startTestWorker(t, DefaultOptions())

	event := InboundEvent{
		SourceSystem:  "kalshi",
		SourceEventID: "trade:tr-2",
		Payload:       map[string]any{"price": 10},
	}
	require.NoError(t, worker.Submit(context.Background(), event))
	awaitResult(t, results)

	admin, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = admin.Close() }()
	_, err = admin.Exec(`
UPDATE event_ledger
SET process_state = 'dead_letter', process_error = 'handler exploded', processed_at = '2026-08-24T00:00:00.000Z'
WHERE source_event_id = ?`, "trade:tr-2")
	require.NoError(t, err)

	require.NoError(t, worker.Submit(context.Background(), event))
	awaitResult(t, results)

	var (
		state, processErr, processedAt string
		attempts                       int
	)
	row := admin.QueryRow(`
SELECT process_state, process_error, processed_at, ingest_attempt_count
FROM event_ledger WHERE source_event_id = ?`, "trade:tr-2")
	require.NoError(t, row.Scan(&state, &processErr, &processedAt, &attempts))
	require.Equal(t, "dead_letter", state)
	require.Equal(t, "handler exploded", processErr)
	require.Equal(t, "2026-08-24T00:00:00.000Z", processedAt)
	require.Equal(t, 2, attempts)
}

func TestMissingIdentifiersGoToPoisonTable(t *testing.T) {
	worker, results, dbPath := startTestWorker(t, DefaultOptions())

	require.NoError(t, worker.Submit(context.Background(), InboundEvent{
		Payload: map[string]any{"orphan": true},
	}))
	result := awaitResult(t, results)
	require.Equal(t, "poison", result.Status)
	require.Equal(t, 0, result.Attempts)

	reader, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	var ledgerRows, poisonRows int
	require.NoError(t, reader.QueryRow("SELECT COUNT(*) FROM event_ledger").Scan(&ledgerRows))
	require.NoError(t, reader.QueryRow("SELECT COUNT(*) FROM ingest_poison_messages").Scan(&poisonRows))
	require.Equal(t, 0, ledgerRows)
	require.Equal(t, 1, poisonRows)

	var reason, payload string
	row := reader.QueryRow("SELECT reason, payload_json FROM ingest_poison_messages")
	require.NoError(t, row.Scan(&reason, &payload))
	require.Equal(t, "missing source_system/source_event_id", reason)
	require.Equal(t, `{"orphan":true}`, payload)
}

func TestLockContentionRetriesThenSucceeds(t *testing.T) {
	opts := DefaultOptions()
	opts.LockRetryLimit = 5
	worker, results, dbPath := startTestWorker(t, opts)

	locker, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = locker.Close() }()
	lockConn, err := locker.Conn(context.Background())
	require.NoError(t, err)
	defer func() { _ = lockConn.Close() }()
	_, err = lockConn.ExecContext(context.Background(), "BEGIN IMMEDIATE")
	require.NoError(t, err)

	released := false
	sleeps := 0
	worker.sleepFn = func(time.Duration) {
		sleeps++
		if sleeps == 2 && !released {
			released = true
			_, _ = lockConn.ExecContext(context.Background(), "COMMIT")
		}
	}

	require.NoError(t, worker.Submit(context.Background(), InboundEvent{
		SourceSystem:  "kalshi",
		SourceEventID: "trade:tr-3",
		Payload:       map[string]any{"price": 5},
	}))
	result := awaitResult(t, results)
	require.Equal(t, "ok", result.Status)
	require.Equal(t, 3, result.Attempts)
	require.NoError(t, worker.Err())
}

func TestBackoffDelayBounds(t *testing.T) {
	worker := NewWriteWorker("unused.db", Options{
		QueueSize:      1,
		LockRetryLimit: 5,
		BackoffBase:    100 * time.Millisecond,
		BackoffCap:     5 * time.Second,
	}, nil)

	worker.randFn = func() float64 { return 1 }
	require.Equal(t, 100*time.Millisecond, worker.backoffDelay(1))
	require.Equal(t, 200*time.Millisecond, worker.backoffDelay(2))
	require.Equal(t, 1600*time.Millisecond, worker.backoffDelay(5))
	// 100ms * 2^7 exceeds the cap.
	require.Equal(t, 5*time.Second, worker.backoffDelay(8))

	worker.randFn = func() float64 { return 0 }
	require.Equal(t, time.Duration(0), worker.backoffDelay(8))
}

func TestIsTransientLock(t *testing.T) {
	require.True(t, isTransientLock(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, isTransientLock(errors.New("database table is locked")))
	require.False(t, isTransientLock(errors.New("UNIQUE constraint failed: event_ledger.source_event_id")))
	require.False(t, isTransientLock(errors.New("disk I/O error")))
}

func TestStartFailsFastOnSchemaMismatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	// Stamp every migration without creating the tables so verification
	// sees an incompatible database.
	db, err := Open(dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`)
	require.NoError(t, err)
	for _, m := range migrations {
		_, err = db.Exec("INSERT INTO schema_migrations(version) VALUES (?)", m.version)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	worker := NewWriteWorker(dbPath, DefaultOptions(), nil)
	err = worker.Start(context.Background())
	var mismatch *StartupSchemaMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestStopDrainsQueuedWrites(t *testing.T) {
	worker, results, dbPath := startTestWorker(t, DefaultOptions())

	for i := 0; i < 5; i++ {
		require.NoError(t, worker.Submit(context.Background(), InboundEvent{
			SourceSystem:  "kalshi",
			SourceEventID: "trade:batch-" + string(rune('a'+i)),
			Payload:       map[string]any{"n": i},
		}))
	}
	require.NoError(t, worker.Stop(context.Background()))
	close(results)

	delivered := 0
	for range results {
		delivered++
	}
	require.Equal(t, 5, delivered)

	reader, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	var count int
	require.NoError(t, reader.QueryRow("SELECT COUNT(*) FROM event_ledger").Scan(&count))
	require.Equal(t, 5, count)
}
