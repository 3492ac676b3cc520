package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/canonicaljson"
	"github.com/Mindburn-Labs/pulsetrader/pkg/connector/kalshi"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ledger"
	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

const rehydrationSourceSystem = "kalshi_rehydration"

// DriftRecord captures one divergence between local state and the exchange
// snapshot, destined for the reconciliation ledger.
type DriftRecord struct {
	Category      string
	EntityKey     string
	Action        string
	SourceEventID string
	Payload       map[string]any
}

// Rehydrator reconciles state_orders and state_positions against exchange
// snapshots at boot. It opens its own connection and writes only to tables
// disjoint from the ledger writer's.
type Rehydrator struct {
	dbPath string
	client kalshi.AccountReadClient
	gate   *ReadinessGate
	logger *slog.Logger
	now    func() time.Time
}

// NewRehydrator builds a rehydrator bound to the shared readiness gate.
func NewRehydrator(dbPath string, client kalshi.AccountReadClient, gate *ReadinessGate) *Rehydrator {
	return &Rehydrator{
		dbPath: dbPath,
		client: client,
		gate:   gate,
		logger: slog.Default().With("component", "state.rehydrator"),
		now:    time.Now,
	}
}

// BootRehydrate runs the full reconciliation pass. On success the readiness
// gate opens; on any failure the run is recorded as failed, the gate stays
// closed, and a RehydrationError is returned.
func (r *Rehydrator) BootRehydrate(ctx context.Context) error {
	startedAt := timeutil.FormatISO(r.now())
	bootID := startedAt
	r.gate.MarkNotReady("rehydration in progress")
	r.logger.Info("rehydration started", "boot_id", bootID)

	driftCount, err := r.reconcile(ctx, bootID, startedAt)
	if err != nil {
		r.recordFailure(ctx, bootID, startedAt, err)
		r.gate.MarkNotReady(err.Error())
		r.logger.Error("rehydration failed", "boot_id", bootID, "error", err)
		return &RehydrationError{Message: err.Error()}
	}

	r.gate.MarkReady(timeutil.FormatISO(r.now()))
	r.logger.Info("rehydration completed", "boot_id", bootID, "drift_count", driftCount)
	return nil
}

func (r *Rehydrator) reconcile(ctx context.Context, bootID, startedAt string) (int, error) {
	db, err := ledger.Open(r.dbPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	if err := r.ensureSchema(ctx, db); err != nil {
		return 0, err
	}

	openOrdersResp, err := r.client.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch open orders: %w", err)
	}
	positionsResp, err := r.client.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch positions: %w", err)
	}

	remoteOrders := normalizeOrders(openOrdersResp)
	remotePositions := normalizePositions(positionsResp)

	var drift []DriftRecord
	orderDrift, err := r.reconcileOrders(ctx, db, remoteOrders, bootID)
	if err != nil {
		return 0, err
	}
	drift = append(drift, orderDrift...)

	positionDrift, err := r.reconcilePositions(ctx, db, remotePositions, bootID)
	if err != nil {
		return 0, err
	}
	drift = append(drift, positionDrift...)

	if err := r.persistDrift(ctx, db, drift); err != nil {
		return 0, err
	}
	if err := r.recordRun(ctx, db, bootID, startedAt, "completed", len(drift), ""); err != nil {
		return 0, err
	}
	return len(drift), nil
}

func (r *Rehydrator) recordFailure(ctx context.Context, bootID, startedAt string, cause error) {
	db, err := ledger.Open(r.dbPath)
	if err != nil {
		r.logger.Error("unable to record failed rehydration run", "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	if err := r.ensureSchema(ctx, db); err != nil {
		r.logger.Error("unable to record failed rehydration run", "error", err)
		return
	}
	if err := r.recordRun(ctx, db, bootID, startedAt, "failed", 0, cause.Error()); err != nil {
		r.logger.Error("unable to record failed rehydration run", "error", err)
	}
}

func (r *Rehydrator) ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_orders (
    order_id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    state TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`,
		`CREATE TABLE IF NOT EXISTS state_positions (
    position_key TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_event_ledger (
    ledger_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_system TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    category TEXT NOT NULL,
    entity_key TEXT NOT NULL,
    action TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    payload_sha256 TEXT NOT NULL,
    ingest_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE(source_system, source_event_id)
)`,
		`CREATE TABLE IF NOT EXISTS rehydration_runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    boot_id TEXT NOT NULL UNIQUE,
    started_at TEXT NOT NULL,
    completed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    status TEXT NOT NULL,
    drift_count INTEGER NOT NULL,
    error TEXT
)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure rehydration schema: %w", err)
		}
	}
	return nil
}

// normalizeOrders indexes the snapshot by order id, accepting order_id or id.
func normalizeOrders(response map[string]any) map[string]map[string]any {
	normalized := map[string]map[string]any{}
	raw, _ := response["orders"].([]any)
	for _, item := range raw {
		order, ok := item.(map[string]any)
		if !ok {
			continue
		}
		orderID := strings.TrimSpace(stringField(order, "order_id", "id"))
		if orderID == "" {
			continue
		}
		normalized[orderID] = order
	}
	return normalized
}

// normalizePositions keys positions by "market_id[:side]".
func normalizePositions(response map[string]any) map[string]map[string]any {
	normalized := map[string]map[string]any{}
	raw, _ := response["positions"].([]any)
	for _, item := range raw {
		position, ok := item.(map[string]any)
		if !ok {
			continue
		}
		marketID := strings.TrimSpace(stringField(position, "market_id", "ticker"))
		if marketID == "" {
			continue
		}
		side := strings.ToLower(strings.TrimSpace(stringField(position, "side")))
		key := marketID
		if side != "" {
			key = marketID + ":" + side
		}
		normalized[key] = position
	}
	return normalized
}

type localOrder struct {
	state      string
	payloadSHA string
}

func (r *Rehydrator) reconcileOrders(ctx context.Context, db *sql.DB, remote map[string]map[string]any, bootID string) ([]DriftRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT order_id, state, payload_sha256 FROM state_orders")
	if err != nil {
		return nil, fmt.Errorf("read state_orders: %w", err)
	}
	existing := map[string]localOrder{}
	for rows.Next() {
		var orderID, orderState, payloadSHA string
		if err := rows.Scan(&orderID, &orderState, &payloadSHA); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan state_orders: %w", err)
		}
		existing[orderID] = localOrder{state: orderState, payloadSHA: payloadSHA}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate state_orders: %w", err)
	}
	_ = rows.Close()

	var drift []DriftRecord
	for _, orderID := range unionKeysOrders(existing, remote) {
		remotePayload, remoteOK := remote[orderID]
		local, localOK := existing[orderID]
		eventBase := fmt.Sprintf("boot:%s:orders:%s", bootID, orderID)

		switch {
		case remoteOK && !localOK:
			payloadJSON, payloadSHA, err := canonicaljson.MarshalWithHash(remotePayload)
			if err != nil {
				return nil, err
			}
			if _, err := db.ExecContext(ctx, `
INSERT INTO state_orders(order_id, payload_json, payload_sha256, state, updated_at)
VALUES (?, ?, ?, 'open', ?)
ON CONFLICT(order_id) DO UPDATE SET
    payload_json=excluded.payload_json,
    payload_sha256=excluded.payload_sha256,
    state='open',
    updated_at=excluded.updated_at`,
				orderID, string(payloadJSON), payloadSHA, timeutil.FormatISO(r.now())); err != nil {
				return nil, fmt.Errorf("insert state_orders %s: %w", orderID, err)
			}
			drift = append(drift, DriftRecord{
				Category:      "orders",
				EntityKey:     orderID,
				Action:        "insert_from_exchange",
				SourceEventID: eventBase + ":insert",
				Payload:       remotePayload,
			})

		case !remoteOK && localOK && local.state != "closed":
			if _, err := db.ExecContext(ctx,
				"UPDATE state_orders SET state='closed', updated_at=? WHERE order_id=?",
				timeutil.FormatISO(r.now()), orderID); err != nil {
				return nil, fmt.Errorf("close state_orders %s: %w", orderID, err)
			}
			drift = append(drift, DriftRecord{
				Category:      "orders",
				EntityKey:     orderID,
				Action:        "mark_closed_missing_exchange",
				SourceEventID: eventBase + ":close",
				Payload:       map[string]any{"order_id": orderID, "state": "closed"},
			})

		case remoteOK && localOK:
			payloadJSON, payloadSHA, err := canonicaljson.MarshalWithHash(remotePayload)
			if err != nil {
				return nil, err
			}
			if payloadSHA != local.payloadSHA || local.state != "open" {
				if _, err := db.ExecContext(ctx,
					"UPDATE state_orders SET payload_json=?, payload_sha256=?, state='open', updated_at=? WHERE order_id=?",
					string(payloadJSON), payloadSHA, timeutil.FormatISO(r.now()), orderID); err != nil {
					return nil, fmt.Errorf("update state_orders %s: %w", orderID, err)
				}
				drift = append(drift, DriftRecord{
					Category:      "orders",
					EntityKey:     orderID,
					Action:        "update_from_exchange",
					SourceEventID: eventBase + ":update",
					Payload:       remotePayload,
				})
			}
		}
	}
	return drift, nil
}

func (r *Rehydrator) reconcilePositions(ctx context.Context, db *sql.DB, remote map[string]map[string]any, bootID string) ([]DriftRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT position_key, payload_sha256 FROM state_positions")
	if err != nil {
		return nil, fmt.Errorf("read state_positions: %w", err)
	}
	existing := map[string]string{}
	for rows.Next() {
		var key, payloadSHA string
		if err := rows.Scan(&key, &payloadSHA); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan state_positions: %w", err)
		}
		existing[key] = payloadSHA
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate state_positions: %w", err)
	}
	_ = rows.Close()

	var drift []DriftRecord
	for _, key := range unionKeysPositions(existing, remote) {
		remotePayload, remoteOK := remote[key]
		eventBase := fmt.Sprintf("boot:%s:positions:%s", bootID, key)

		if !remoteOK {
			if _, err := db.ExecContext(ctx, "DELETE FROM state_positions WHERE position_key=?", key); err != nil {
				return nil, fmt.Errorf("delete state_positions %s: %w", key, err)
			}
			drift = append(drift, DriftRecord{
				Category:      "positions",
				EntityKey:     key,
				Action:        "delete_missing_exchange",
				SourceEventID: eventBase + ":delete",
				Payload:       map[string]any{"position_key": key, "deleted": true},
			})
			continue
		}

		payloadJSON, payloadSHA, err := canonicaljson.MarshalWithHash(remotePayload)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO state_positions(position_key, payload_json, payload_sha256, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(position_key) DO UPDATE SET
    payload_json=excluded.payload_json,
    payload_sha256=excluded.payload_sha256,
    updated_at=excluded.updated_at`,
			key, string(payloadJSON), payloadSHA, timeutil.FormatISO(r.now())); err != nil {
			return nil, fmt.Errorf("upsert state_positions %s: %w", key, err)
		}
		if existing[key] != payloadSHA {
			drift = append(drift, DriftRecord{
				Category:      "positions",
				EntityKey:     key,
				Action:        "upsert_from_exchange",
				SourceEventID: eventBase + ":upsert",
				Payload:       remotePayload,
			})
		}
	}
	return drift, nil
}

func (r *Rehydrator) persistDrift(ctx context.Context, db *sql.DB, drift []DriftRecord) error {
	for _, item := range drift {
		payloadJSON, payloadSHA, err := canonicaljson.MarshalWithHash(item.Payload)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO reconciliation_event_ledger(
    source_system, source_event_id, category, entity_key, action, payload_json, payload_sha256, ingest_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_system, source_event_id) DO UPDATE SET
    payload_json=excluded.payload_json,
    payload_sha256=excluded.payload_sha256,
    ingest_at=excluded.ingest_at`,
			rehydrationSourceSystem,
			item.SourceEventID,
			item.Category,
			item.EntityKey,
			item.Action,
			string(payloadJSON),
			payloadSHA,
			timeutil.FormatISO(r.now())); err != nil {
			return fmt.Errorf("persist drift %s: %w", item.SourceEventID, err)
		}
	}
	return nil
}

func (r *Rehydrator) recordRun(ctx context.Context, db *sql.DB, bootID, startedAt, status string, driftCount int, errMsg string) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO rehydration_runs(boot_id, started_at, completed_at, status, drift_count, error)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(boot_id) DO UPDATE SET
    completed_at=excluded.completed_at,
    status=excluded.status,
    drift_count=excluded.drift_count,
    error=excluded.error`,
		bootID, startedAt, timeutil.FormatISO(r.now()), status, driftCount, nullableString(errMsg))
	if err != nil {
		return fmt.Errorf("record rehydration run: %w", err)
	}
	return nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case fmt.Stringer:
				return s.String()
			}
		}
	}
	return ""
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unionKeysOrders(existing map[string]localOrder, remote map[string]map[string]any) []string {
	seen := map[string]bool{}
	for k := range existing {
		seen[k] = true
	}
	for k := range remote {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionKeysPositions(existing map[string]string, remote map[string]map[string]any) []string {
	seen := map[string]bool{}
	for k := range existing {
		seen[k] = true
	}
	for k := range remote {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
