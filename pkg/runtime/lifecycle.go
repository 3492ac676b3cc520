// Package runtime composes the engine: ordered startup with per-stage
// readiness publication, the ingest pump, and ordered shutdown.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Service is anything with a start/stop lifecycle (REST server, websocket
// server).
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Rehydrator runs the boot reconciliation pass.
type Rehydrator interface {
	BootRehydrate(ctx context.Context) error
}

// HealthCheck is one dependency probe polled before services start.
type HealthCheck interface {
	Healthcheck(ctx context.Context) bool
}

// Capability interfaces discovered by type assertion at shutdown; each hook
// runs only when the resolved target supports it.
type (
	// IntakeStopper stops accepting new inbound work.
	IntakeStopper interface {
		StopIntake(ctx context.Context) error
	}
	// QueueFlusher drains buffered writes before close.
	QueueFlusher interface {
		FlushQueue(ctx context.Context) error
	}
	// Closer releases a resource.
	Closer interface {
		Close(ctx context.Context) error
	}
)

// LifecycleState is the readiness snapshot published after every stage.
type LifecycleState struct {
	ConfigReady      bool
	DBReady          bool
	ConnectorsReady  bool
	RateLimiterReady bool
	RESTReady        bool
	WebsocketReady   bool
	Rehydrated       bool
	ConsumersReady   bool
	RoutesReady      bool
	StrategyEnabled  bool
	ExecutionEnabled bool
	TauriReady       bool
	UIReady          bool
	ShutdownPhase    string
	LastError        string
}

// ToPayload renders the state for health publication.
func (s LifecycleState) ToPayload() map[string]any {
	var lastError any
	if s.LastError != "" {
		lastError = s.LastError
	}
	return map[string]any{
		"readiness": map[string]any{
			"tauri":     s.TauriReady,
			"ui":        s.UIReady,
			"strategy":  s.StrategyEnabled,
			"execution": s.ExecutionEnabled,
		},
		"startup": map[string]any{
			"config":       s.ConfigReady,
			"db":           s.DBReady,
			"connectors":   s.ConnectorsReady,
			"rate_limiter": s.RateLimiterReady,
			"rest":         s.RESTReady,
			"websocket":    s.WebsocketReady,
			"rehydrated":   s.Rehydrated,
			"consumers":    s.ConsumersReady,
			"routes":       s.RoutesReady,
		},
		"shutdown_phase": s.ShutdownPhase,
		"last_error":     lastError,
	}
}

// Resolved holds the dependency graph built during startup.
type Resolved struct {
	Config      any
	DB          any
	Connectors  any
	RateLimiter any
	REST        Service
	Websocket   Service
}

// Factories supplies every stage constructor. Each factory sees the
// dependencies resolved before it.
type Factories struct {
	ConfigLoader       func(ctx context.Context) (any, error)
	DBFactory          func(ctx context.Context, config any) (any, error)
	ConnectorFactory   func(ctx context.Context, config any) (any, error)
	RateLimiterFactory func(ctx context.Context, config any) (any, error)
	RESTFactory        func(ctx context.Context, r *Resolved) (Service, error)
	WebsocketFactory   func(ctx context.Context, r *Resolved) (Service, error)
	RehydratorFactory  func(ctx context.Context, r *Resolved) (Rehydrator, error)
	ConsumerStarter    func(ctx context.Context, r *Resolved) error
	RouteStarter       func(ctx context.Context, r *Resolved) error
}

// HealthPublisher receives every state transition.
type HealthPublisher func(LifecycleState)

// CompositionRoot orchestrates startup and shutdown in the documented
// stage order.
type CompositionRoot struct {
	factories Factories
	publish   HealthPublisher
	checks    []HealthCheck
	logger    *slog.Logger

	mu       sync.Mutex
	state    LifecycleState
	resolved Resolved
}

// NewCompositionRoot wires the root. publisher nil disables publication.
func NewCompositionRoot(factories Factories, publisher HealthPublisher, checks []HealthCheck) *CompositionRoot {
	if publisher == nil {
		publisher = func(LifecycleState) {}
	}
	return &CompositionRoot{
		factories: factories,
		publish:   publisher,
		checks:    checks,
		logger:    slog.Default().With("component", "runtime.lifecycle"),
		state:     LifecycleState{ShutdownPhase: "running"},
	}
}

// State returns the current lifecycle snapshot.
func (c *CompositionRoot) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot satisfies the health-reporter contract of the route layer.
func (c *CompositionRoot) Snapshot() map[string]any {
	return c.State().ToPayload()
}

// Start runs every startup stage in order, publishing readiness after
// each. Any failure records last_error, clears UI readiness, publishes,
// and returns the failure.
func (c *CompositionRoot) Start(ctx context.Context) (*Resolved, error) {
	fail := func(stage string, err error) (*Resolved, error) {
		c.logger.Error("startup stage failed", "stage", stage, "error", err)
		c.mutate(func(s *LifecycleState) {
			s.LastError = err.Error()
			s.TauriReady = false
			s.UIReady = false
		})
		return nil, err
	}

	config, err := c.factories.ConfigLoader(ctx)
	if err != nil {
		return fail("config", err)
	}
	c.resolved.Config = config
	c.mutate(func(s *LifecycleState) { s.ConfigReady = true })

	db, err := c.factories.DBFactory(ctx, config)
	if err != nil {
		return fail("db", err)
	}
	c.resolved.DB = db
	c.mutate(func(s *LifecycleState) { s.DBReady = true })

	connectors, err := c.factories.ConnectorFactory(ctx, config)
	if err != nil {
		return fail("connectors", err)
	}
	c.resolved.Connectors = connectors
	c.mutate(func(s *LifecycleState) { s.ConnectorsReady = true })

	limiter, err := c.factories.RateLimiterFactory(ctx, config)
	if err != nil {
		return fail("rate_limiter", err)
	}
	c.resolved.RateLimiter = limiter
	c.mutate(func(s *LifecycleState) { s.RateLimiterReady = true })

	rest, err := c.factories.RESTFactory(ctx, &c.resolved)
	if err != nil {
		return fail("rest_service", err)
	}
	c.resolved.REST = rest
	c.mutate(func(s *LifecycleState) { s.RESTReady = true })

	websocket, err := c.factories.WebsocketFactory(ctx, &c.resolved)
	if err != nil {
		return fail("websocket_service", err)
	}
	c.resolved.Websocket = websocket
	c.mutate(func(s *LifecycleState) { s.WebsocketReady = true })

	rehydrator, err := c.factories.RehydratorFactory(ctx, &c.resolved)
	if err != nil {
		return fail("rehydrator", err)
	}
	if err := rehydrator.BootRehydrate(ctx); err != nil {
		return fail("rehydrate", err)
	}
	c.mutate(func(s *LifecycleState) {
		s.Rehydrated = true
		s.StrategyEnabled = true
		s.ExecutionEnabled = true
	})

	// Dependency probes run once before any service starts; routes must
	// not come up against an unhealthy dependency.
	for _, check := range c.checks {
		if !check.Healthcheck(ctx) {
			return fail("dependency_health", errors.New("required dependency healthcheck failed"))
		}
	}

	if err := rest.Start(ctx); err != nil {
		return fail("rest_start", err)
	}
	if err := websocket.Start(ctx); err != nil {
		return fail("websocket_start", err)
	}

	if err := c.factories.ConsumerStarter(ctx, &c.resolved); err != nil {
		return fail("consumers", err)
	}
	c.mutate(func(s *LifecycleState) { s.ConsumersReady = true })

	if err := c.factories.RouteStarter(ctx, &c.resolved); err != nil {
		return fail("routes", err)
	}
	c.mutate(func(s *LifecycleState) {
		s.RoutesReady = true
		s.TauriReady = true
		s.UIReady = true
	})
	c.logger.Info("engine started")
	return &c.resolved, nil
}

// Shutdown runs the ordered phases, publishing after each. Hooks fire only
// on targets that support them; errors are logged and the sequence
// continues.
func (c *CompositionRoot) Shutdown(ctx context.Context) {
	c.setPhase("stop_intake")
	if stopper, ok := c.resolved.Connectors.(IntakeStopper); ok {
		c.runHook("stop_intake", stopper.StopIntake(ctx))
	}

	c.setPhase("flush_queue")
	if flusher, ok := c.resolved.DB.(QueueFlusher); ok {
		c.runHook("flush_queue", flusher.FlushQueue(ctx))
	}

	c.setPhase("close_connectors")
	if closer, ok := c.resolved.Connectors.(Closer); ok {
		c.runHook("close_connectors", closer.Close(ctx))
	}

	c.setPhase("close_db")
	if closer, ok := c.resolved.DB.(Closer); ok {
		c.runHook("close_db", closer.Close(ctx))
	}

	if c.resolved.Websocket != nil {
		c.runHook("stop_websocket", c.resolved.Websocket.Stop(ctx))
	}
	if c.resolved.REST != nil {
		c.runHook("stop_rest", c.resolved.REST.Stop(ctx))
	}

	c.mutate(func(s *LifecycleState) {
		s.ShutdownPhase = "stopped"
		s.TauriReady = false
		s.UIReady = false
	})
	c.logger.Info("engine stopped")
}

func (c *CompositionRoot) runHook(phase string, err error) {
	if err != nil {
		c.logger.Warn("shutdown hook failed", "phase", phase, "error", err)
	}
}

func (c *CompositionRoot) setPhase(phase string) {
	c.mutate(func(s *LifecycleState) { s.ShutdownPhase = phase })
}

func (c *CompositionRoot) mutate(fn func(*LifecycleState)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state
	c.mu.Unlock()
	c.publish(snapshot)
}
