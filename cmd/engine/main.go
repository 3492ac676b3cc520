// Command engine runs the local trading sidecar: the exchange connector,
// event ledger, boot rehydration, local REST API, and UI websocket fan-out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/bus"
	"github.com/Mindburn-Labs/pulsetrader/pkg/config"
	"github.com/Mindburn-Labs/pulsetrader/pkg/connector/kalshi"
	"github.com/Mindburn-Labs/pulsetrader/pkg/fanout"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ledger"
	"github.com/Mindburn-Labs/pulsetrader/pkg/observability"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ratelimit"
	"github.com/Mindburn-Labs/pulsetrader/pkg/runtime"
	"github.com/Mindburn-Labs/pulsetrader/pkg/state"
	"github.com/Mindburn-Labs/pulsetrader/pkg/trading"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	if err := run(); err != nil {
		slog.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = obs.Shutdown(shutdownCtx)
	}()

	app := newApp(obs)
	root := runtime.NewCompositionRoot(app.factories(), app.publishHealth, nil)
	app.root = root

	if _, err := root.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	root.Shutdown(shutdownCtx)
	return nil
}

// app carries the concrete dependencies the stage factories build, so the
// consumer and route starters can reach them.
type app struct {
	obs  *observability.Provider
	root *runtime.CompositionRoot

	cfg        *config.Config
	limiter    *ratelimit.SharedLimiter
	eventBus   *bus.Bus
	writer     *ledger.WriteWorker
	client     *kalshi.Client
	gate       *state.ReadinessGate
	fanoutMgr  *fanout.Manager
	wsHandler  *fanout.Handler
	pump       *runtime.IngestPump
	driver     *runtime.StreamDriver
	consumerWG sync.WaitGroup

	consumerCancel context.CancelFunc
}

func newApp(obs *observability.Provider) *app {
	return &app{obs: obs, gate: state.NewReadinessGate()}
}

func (a *app) publishHealth(s runtime.LifecycleState) {
	slog.Default().With("component", "lifecycle").Info("lifecycle state",
		"shutdown_phase", s.ShutdownPhase,
		"ui_ready", s.UIReady,
		"rehydrated", s.Rehydrated,
		"last_error", s.LastError)
}

func (a *app) factories() runtime.Factories {
	return runtime.Factories{
		ConfigLoader: func(_ context.Context) (any, error) {
			cfg := config.Load()
			if profile := os.Getenv("ENGINE_PROFILE_PATH"); profile != "" {
				if err := config.LoadProfile(profile, cfg); err != nil {
					return nil, err
				}
			}
			if cfg.Kalshi.APIKeyID == "" || cfg.Kalshi.APIKeySecret == "" {
				return nil, errors.New("KALSHI_API_KEY_ID and KALSHI_API_KEY_SECRET are required")
			}
			a.cfg = cfg
			return cfg, nil
		},

		DBFactory: func(ctx context.Context, _ any) (any, error) {
			a.writer = ledger.NewWriteWorker(a.cfg.Engine.DBPath, ledger.Options{
				QueueSize:      a.cfg.Engine.LedgerQueueSize,
				LockRetryLimit: a.cfg.Engine.LockRetryLimit,
				BackoffBase:    a.cfg.Engine.LockBackoffBase,
				BackoffCap:     a.cfg.Engine.LockBackoffCap,
			}, a.obs.Metrics)
			if err := a.writer.Start(ctx); err != nil {
				return nil, err
			}
			return &dbHandle{writer: a.writer}, nil
		},

		ConnectorFactory: func(_ context.Context, _ any) (any, error) {
			a.eventBus = bus.New(a.cfg.Engine.BusQueueSize)
			a.limiter = ratelimit.New(a.cfg.Kalshi.RateLimit).WithMetrics(a.obs.Metrics)
			ratelimit.SetShared(a.limiter)
			signer := kalshi.NewAuthSigner(a.cfg.Kalshi.APIKeyID, a.cfg.Kalshi.APIKeySecret)
			a.client = kalshi.NewClient(a.cfg.Kalshi, signer, a.limiter, a.eventBus)
			return &connectorHandle{app: a}, nil
		},

		RateLimiterFactory: func(_ context.Context, _ any) (any, error) {
			// Built alongside the connector; this stage republishes the
			// process-wide singleton.
			return a.limiter, nil
		},

		RESTFactory: func(_ context.Context, _ *runtime.Resolved) (runtime.Service, error) {
			a.fanoutMgr = fanout.NewManager(fanout.Options{
				MaxQueueSize:      a.cfg.Engine.FanoutQueueSize,
				HeartbeatInterval: a.cfg.Engine.HeartbeatInterval,
				StaleTimeout:      a.cfg.Engine.StaleTimeout,
			}, a.obs.Metrics)
			a.wsHandler = fanout.NewHandler(a.fanoutMgr, a.cfg.Engine.AuthToken)

			guard := trading.NewAuthNonceGuard(a.cfg.Engine.AuthToken, 50)
			service := trading.NewService(a.client, nil, a.gate)
			router := trading.NewRouter(service, guard, &engineHealth{
				root:   a.root,
				fanout: a.fanoutMgr,
			})

			mux := http.NewServeMux()
			router.Mount(mux)
			mux.Handle("/ws", a.wsHandler)
			return newHTTPService(a.cfg.Engine.ListenAddr, mux), nil
		},

		WebsocketFactory: func(_ context.Context, _ *runtime.Resolved) (runtime.Service, error) {
			return newFanoutService(a.wsHandler), nil
		},

		RehydratorFactory: func(_ context.Context, _ *runtime.Resolved) (runtime.Rehydrator, error) {
			return state.NewRehydrator(a.cfg.Engine.DBPath, a.client, a.gate), nil
		},

		ConsumerStarter: func(_ context.Context, _ *runtime.Resolved) error {
			consumerCtx, cancel := context.WithCancel(context.Background())
			a.consumerCancel = cancel

			a.pump = runtime.NewIngestPump(a.eventBus, a.writer, a.fanoutMgr)
			a.consumerWG.Add(1)
			go func() {
				defer a.consumerWG.Done()
				a.pump.Run(consumerCtx)
			}()

			normalizer := kalshi.NewNormalizer(a.eventBus)
			a.driver = runtime.NewStreamDriver(a.client, normalizer)
			a.consumerWG.Add(1)
			go func() {
				defer a.consumerWG.Done()
				if err := a.driver.Run(consumerCtx, kalshi.SupportedMarketDataChannels); err != nil {
					slog.Error("market data stream terminated", "error", err)
				}
			}()
			return nil
		},

		RouteStarter: func(_ context.Context, _ *runtime.Resolved) error {
			// Routes are mounted at build time; nothing left to start.
			return nil
		},
	}
}

// engineHealth merges the lifecycle snapshot with fan-out liveness for the
// /v1/health readiness payload.
type engineHealth struct {
	root   *runtime.CompositionRoot
	fanout *fanout.Manager
}

func (h *engineHealth) Snapshot() map[string]any {
	snapshot := h.root.Snapshot()
	snapshot["ui_clients"] = h.fanout.ClientCount()
	return snapshot
}

// dbHandle adapts the write worker to the shutdown capabilities: the
// flush_queue phase drains up to the sentinel and closes the connection.
type dbHandle struct {
	writer *ledger.WriteWorker
	once   sync.Once
	err    error
}

func (h *dbHandle) FlushQueue(ctx context.Context) error {
	h.once.Do(func() { h.err = h.writer.Stop(ctx) })
	return h.err
}

func (h *dbHandle) Close(ctx context.Context) error {
	h.once.Do(func() { h.err = h.writer.Stop(ctx) })
	return h.err
}

// connectorHandle exposes intake stop (cancels the stream/pump consumers)
// and idle-connection close for the shutdown sequence.
type connectorHandle struct{ app *app }

func (h *connectorHandle) StopIntake(context.Context) error {
	if h.app.consumerCancel != nil {
		h.app.consumerCancel()
		h.app.consumerWG.Wait()
	}
	return nil
}

func (h *connectorHandle) Close(context.Context) error {
	h.app.client.CloseIdleConnections()
	return nil
}

// httpService runs the local REST listener.
type httpService struct {
	server *http.Server
	errCh  chan error
}

func newHTTPService(addr string, handler http.Handler) *httpService {
	return &httpService{
		server: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		errCh:  make(chan error, 1),
	}
}

func (s *httpService) Start(context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()
	slog.Info("local api listening", "addr", s.server.Addr)
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// fanoutService drives the websocket maintenance loop: flush, heartbeat,
// and stale-client eviction.
type fanoutService struct {
	handler *fanout.Handler
	stop    chan struct{}
	done    chan struct{}
}

func newFanoutService(handler *fanout.Handler) *fanoutService {
	return &fanoutService{handler: handler}
}

func (s *fanoutService) Start(context.Context) error {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.handler.RunMaintenance(s.stop, time.Second)
	}()
	return nil
}

func (s *fanoutService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
