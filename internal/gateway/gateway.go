package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/utils"
)

// Config holds the settings for a Gateway.
type Config struct {
	LeaseTTL         time.Duration
	SweepInterval    time.Duration
	AdmissionTimeout time.Duration
	PollInterval     time.Duration
	MaxAttempts      int
	WorkerTimeout    time.Duration
	Policy           string
	EventBuffer      int
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() *Config {
	return &Config{
		LeaseTTL:         DefaultLeaseTTL,
		SweepInterval:    5 * time.Second,
		AdmissionTimeout: 30 * time.Second,
		PollInterval:     time.Second,
		MaxAttempts:      3,
		WorkerTimeout:    600 * time.Second,
		Policy:           PolicyLeastInflight,
		EventBuffer:      100,
	}
}

// Gateway wires the registry, the health monitor and the router together.
type Gateway struct {
	config    *Config
	registry  *InMemoryRegistry
	monitor   *HealthMonitor
	router    *Router
	stats     *Stats
	sinks     []EventSink
	collector prometheus.Collector
	log       *zap.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	clock      clockwork.Clock
	transport  Transport
	rewriter   Rewriter
	registerer prometheus.Registerer
	sinks      []EventSink
}

// WithGatewayClock sets the clock shared by the registry, monitor and router.
func WithGatewayClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithTransport replaces the fasthttp transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithGatewayRewriter sets the router's payload rewriter.
func WithGatewayRewriter(fn Rewriter) Option {
	return func(o *options) { o.rewriter = fn }
}

// WithRegisterer registers gateway metrics with a Prometheus registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithEventSink adds a consumer for registry events.
func WithEventSink(sink EventSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// New creates a gateway.
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}

	selector, err := NewSelector(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if o.transport == nil {
		o.transport = NewHTTPTransport(cfg.WorkerTimeout)
	}

	registry := NewInMemoryRegistry(
		WithClock(o.clock),
		WithLeaseTTL(cfg.LeaseTTL),
		WithEventBuffer(cfg.EventBuffer),
	)
	stats := NewStats(o.registerer)
	collector := NewRegistryCollector(registry)
	if o.registerer != nil {
		if err := o.registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register registry collector: %w", err)
		}
	}

	routerOpts := []RouterOption{
		WithSelector(selector),
		WithRouterClock(o.clock),
		WithStats(stats),
	}
	if o.rewriter != nil {
		routerOpts = append(routerOpts, WithRewriter(o.rewriter))
	}
	router := NewRouter(registry, o.transport, &RouterConfig{
		MaxAttempts:      cfg.MaxAttempts,
		AdmissionTimeout: cfg.AdmissionTimeout,
		PollInterval:     cfg.PollInterval,
	}, routerOpts...)

	monitor := NewHealthMonitor(registry, o.clock, cfg.SweepInterval)
	monitor.OnExpire(func(ids []string) { stats.RecordExpirations(len(ids)) })

	return &Gateway{
		config:    cfg,
		registry:  registry,
		monitor:   monitor,
		router:    router,
		stats:     stats,
		sinks:     o.sinks,
		collector: collector,
		log:       logger.Named("gateway"),
	}, nil
}

// Registry returns the worker registry.
func (g *Gateway) Registry() *InMemoryRegistry { return g.registry }

// Router returns the request router.
func (g *Gateway) Router() *Router { return g.router }

// Monitor returns the health monitor.
func (g *Gateway) Monitor() *HealthMonitor { return g.monitor }

// Stats returns dispatch statistics.
func (g *Gateway) Stats() *Stats { return g.stats }

// Config returns the gateway settings.
func (g *Gateway) Config() *Config { return g.config }

// Start starts the health monitor and the event sinks.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	g.monitor.Start(ctx)

	for _, sink := range g.sinks {
		events, err := g.registry.Watch(ctx)
		if err != nil {
			g.cancel()
			return fmt.Errorf("watch registry: %w", err)
		}
		g.wg.Add(1)
		utils.SafeGoWithName(fmt.Sprintf("event-sink-%T", sink), func() {
			defer g.wg.Done()
			for event := range events {
				if err := sink.HandleEvent(ctx, event); err != nil {
					g.log.Warn("event sink failed",
						zap.String("event", string(event.Type)),
						zap.String("worker_id", event.WorkerID),
						zap.Error(err))
				}
			}
		})
	}

	g.log.Info("gateway started",
		zap.Duration("lease_ttl", g.config.LeaseTTL),
		zap.Duration("sweep_interval", g.config.SweepInterval),
		zap.String("policy", g.config.Policy))
	return nil
}

// Stop stops the monitor and waits for the event sinks to drain.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.monitor.Stop()
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		g.log.Info("gateway stopped")
	})
}
