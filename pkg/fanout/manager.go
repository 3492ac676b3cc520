// Package fanout broadcasts canonical events to UI websocket subscribers
// with per-client queues, criticality-preserving backpressure, heartbeat,
// and stale-client eviction.
package fanout

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/observability"
	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

// EventTopics is the supported UI topic set.
var EventTopics = map[string]bool{
	"market":     true,
	"order":      true,
	"position":   true,
	"risk_alert": true,
}

// ClientConn is the transport contract the manager drives. The gorilla
// adapter in this package satisfies it; tests use fakes.
type ClientConn interface {
	SendJSON(payload map[string]any) error
	SendPing() error
	Close(code int, reason string) error
}

// UiEvent is one normalized frame destined for UI subscribers.
type UiEvent struct {
	Topic     string
	Payload   map[string]any
	Timestamp string
	Critical  bool
}

// UiEventFromMapping derives topic, timestamp, and criticality from a raw
// canonical envelope. Events with no derivable topic are rejected.
func UiEventFromMapping(raw map[string]any) (UiEvent, error) {
	topic, err := normalizeTopic(raw)
	if err != nil {
		return UiEvent{}, err
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok {
		payload = raw
	}
	timestamp := normalizeUiTimestamp(raw)
	critical := topic == "risk_alert" && (truthy(raw["critical"]) || truthy(payload["critical"]))
	return UiEvent{Topic: topic, Payload: payload, Timestamp: timestamp, Critical: critical}, nil
}

// ToFrame renders the outbound websocket frame.
func (e UiEvent) ToFrame() map[string]any {
	return map[string]any{
		"type":      "event",
		"topic":     e.Topic,
		"timestamp": e.Timestamp,
		"critical":  e.Critical,
		"payload":   e.Payload,
	}
}

func normalizeTopic(raw map[string]any) (string, error) {
	topic := strings.ToLower(firstNonEmpty(raw, "topic", "category", "stream"))
	if EventTopics[topic] {
		return topic, nil
	}
	schema := strings.ToLower(firstNonEmpty(raw, "schema"))
	switch schema {
	case "orderbook_delta", "trade", "market":
		return "market", nil
	case "order", "order_update", "orders":
		return "order", nil
	case "position", "positions":
		return "position", nil
	case "risk_alert", "risk":
		return "risk_alert", nil
	}
	return "", errors.New("unable to determine websocket event topic")
}

func normalizeUiTimestamp(raw map[string]any) string {
	candidate := raw["timestamp"]
	if candidate == nil {
		candidate = raw["updated_at"]
	}
	if candidate == nil {
		if payload, ok := raw["payload"].(map[string]any); ok {
			candidate = payload["timestamp"]
		}
	}
	normalized, err := timeutil.Normalize(candidate)
	if err != nil {
		return timeutil.NowISO()
	}
	return normalized
}

type clientState struct {
	conn               ClientConn
	subscriptions      map[string]bool
	queue              *list.List // of UiEvent
	droppedNonCritical int
	connectedAt        time.Time
	lastSeenAt         time.Time
	lastPingAt         time.Time
}

// Options tunes queue depth and liveness intervals.
type Options struct {
	MaxQueueSize      int
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize:      128,
		HeartbeatInterval: 15 * time.Second,
		StaleTimeout:      45 * time.Second,
	}
}

// Manager owns all connected UI clients. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	clients map[string]*clientState
	logger  *slog.Logger
	otel    *observability.EngineMetrics
	now     func() time.Time
}

// NewManager builds an empty manager. metrics may be nil.
func NewManager(opts Options, metrics *observability.EngineMetrics) *Manager {
	if opts.MaxQueueSize <= 0 {
		opts = DefaultOptions()
	}
	return &Manager{
		opts:    opts,
		clients: map[string]*clientState{},
		logger:  slog.Default().With("component", "fanout"),
		otel:    metrics,
		now:     time.Now,
	}
}

// Connect registers a client. Empty subscriptions default to all topics.
// Invalid topics reject the connection.
func (m *Manager) Connect(clientID string, conn ClientConn, subscriptions []string) error {
	subs, err := sanitizeTopics(subscriptions)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		subs = map[string]bool{}
		for topic := range EventTopics {
			subs[topic] = true
		}
	}
	now := m.now()
	m.mu.Lock()
	m.clients[clientID] = &clientState{
		conn:          conn,
		subscriptions: subs,
		queue:         list.New(),
		connectedAt:   now,
		lastSeenAt:    now,
		lastPingAt:    now,
	}
	m.mu.Unlock()
	m.logger.Info("ui client connected", "client_id", clientID, "subscriptions", sortedKeys(subs))
	return nil
}

// Disconnect removes a client and closes its connection.
func (m *Manager) Disconnect(clientID string, code int, reason string) {
	m.mu.Lock()
	state, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = state.conn.Close(code, reason)
	m.logger.Info("ui client disconnected", "client_id", clientID, "code", code, "reason", reason)
}

// Subscribe adds topics to a client's subscription set and returns it.
func (m *Manager) Subscribe(clientID string, topics []string) ([]string, error) {
	subs, err := sanitizeTopics(topics)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown client: %s", clientID)
	}
	for topic := range subs {
		state.subscriptions[topic] = true
	}
	state.lastSeenAt = m.now()
	return sortedKeys(state.subscriptions), nil
}

// Unsubscribe removes topics from a client's subscription set.
func (m *Manager) Unsubscribe(clientID string, topics []string) ([]string, error) {
	subs, err := sanitizeTopics(topics)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown client: %s", clientID)
	}
	for topic := range subs {
		delete(state.subscriptions, topic)
	}
	state.lastSeenAt = m.now()
	return sortedKeys(state.subscriptions), nil
}

// MarkClientAlive advances a client's last-seen timestamp, typically on
// inbound pong or message receipt.
func (m *Manager) MarkClientAlive(clientID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.clients[clientID]; ok {
		if at.IsZero() {
			at = m.now()
		}
		state.lastSeenAt = at
	}
}

// StreamEvent enqueues the event for every subscribed client.
func (m *Manager) StreamEvent(raw map[string]any) error {
	event, err := UiEventFromMapping(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.clients {
		if !state.subscriptions[event.Topic] {
			continue
		}
		m.enqueue(state, event)
	}
	return nil
}

// enqueue applies the backpressure policy: full queue drops the event when
// non-critical; a critical event evicts the first queued non-critical, or
// the head when everything queued is critical.
func (m *Manager) enqueue(state *clientState, event UiEvent) {
	if state.queue.Len() < m.opts.MaxQueueSize {
		state.queue.PushBack(event)
		return
	}

	if event.Critical {
		for el := state.queue.Front(); el != nil; el = el.Next() {
			if !el.Value.(UiEvent).Critical {
				state.queue.Remove(el)
				state.droppedNonCritical++
				m.countDrop()
				state.queue.PushBack(event)
				return
			}
		}
		state.queue.Remove(state.queue.Front())
		state.queue.PushBack(event)
		return
	}

	state.droppedNonCritical++
	m.countDrop()
}

func (m *Manager) countDrop() {
	m.otel.AddFanoutDrop(context.Background())
}

// Flush sends up to maxMessages queued frames to one client; maxMessages
// ≤ 0 drains the whole queue.
func (m *Manager) Flush(clientID string, maxMessages int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.clients[clientID]
	if !ok {
		return 0, fmt.Errorf("unknown client: %s", clientID)
	}
	limit := state.queue.Len()
	if maxMessages > 0 && maxMessages < limit {
		limit = maxMessages
	}
	sent := 0
	for sent < limit {
		front := state.queue.Front()
		event := front.Value.(UiEvent)
		if err := state.conn.SendJSON(event.ToFrame()); err != nil {
			return sent, err
		}
		state.queue.Remove(front)
		sent++
	}
	state.lastSeenAt = m.now()
	return sent, nil
}

// FlushAll flushes every client and reports per-client sent counts. Send
// failures evict the failing client rather than aborting the pass.
func (m *Manager) FlushAll(maxMessagesPerClient int) map[string]int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	counts := map[string]int{}
	for _, id := range ids {
		sent, err := m.Flush(id, maxMessagesPerClient)
		counts[id] = sent
		if err != nil {
			m.logger.Warn("ui client flush failed", "client_id", id, "error", err)
			m.Disconnect(id, 1011, "send_failure")
		}
	}
	return counts
}

// Heartbeat pings clients whose last ping is older than the heartbeat
// interval and returns their ids.
func (m *Manager) Heartbeat(at time.Time) []string {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var pinged []string
	for clientID, state := range m.clients {
		if at.Sub(state.lastPingAt) >= m.opts.HeartbeatInterval {
			if err := state.conn.SendPing(); err != nil {
				m.logger.Warn("ui client ping failed", "client_id", clientID, "error", err)
				continue
			}
			state.lastPingAt = at
			pinged = append(pinged, clientID)
		}
	}
	sort.Strings(pinged)
	return pinged
}

// DisconnectStaleClients evicts clients whose last-seen exceeds the stale
// timeout, closing with 1001/stale_client.
func (m *Manager) DisconnectStaleClients(at time.Time) []string {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	var stale []string
	for clientID, state := range m.clients {
		if at.Sub(state.lastSeenAt) > m.opts.StaleTimeout {
			stale = append(stale, clientID)
		}
	}
	m.mu.Unlock()

	sort.Strings(stale)
	for _, clientID := range stale {
		m.Disconnect(clientID, 1001, "stale_client")
	}
	return stale
}

// ClientStats reports queue depth and liveness for one client.
func (m *Manager) ClientStats(clientID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown client: %s", clientID)
	}
	return map[string]any{
		"subscriptions":        sortedKeys(state.subscriptions),
		"queued":               state.queue.Len(),
		"dropped_non_critical": state.droppedNonCritical,
		"last_seen_at":         timeutil.FormatISO(state.lastSeenAt),
		"last_ping_at":         timeutil.FormatISO(state.lastPingAt),
	}, nil
}

// ClientCount reports the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func sanitizeTopics(topics []string) (map[string]bool, error) {
	normalized := map[string]bool{}
	var invalid []string
	for _, topic := range topics {
		t := strings.ToLower(topic)
		if !EventTopics[t] {
			invalid = append(invalid, t)
			continue
		}
		normalized[t] = true
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("unsupported websocket topics: %s", strings.Join(invalid, ", "))
	}
	return normalized, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
