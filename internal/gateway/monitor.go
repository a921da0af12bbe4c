package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
)

// Sweeper is the part of the registry the health monitor drives.
type Sweeper interface {
	Sweep(ctx context.Context) []string
}

// HealthMonitor expires lapsed leases on a fixed interval, independent of
// request traffic.
type HealthMonitor struct {
	registry Sweeper
	clock    clockwork.Clock
	interval time.Duration
	onExpire func(ids []string)
	log      *zap.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewHealthMonitor creates a monitor sweeping registry every interval.
func NewHealthMonitor(registry Sweeper, clock clockwork.Clock, interval time.Duration) *HealthMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthMonitor{
		registry: registry,
		clock:    clock,
		interval: interval,
		log:      logger.Named("health"),
	}
}

// OnExpire installs a callback invoked with the ids evicted by each sweep.
func (m *HealthMonitor) OnExpire(fn func(ids []string)) {
	m.onExpire = fn
}

// Start launches the sweep loop. It returns immediately.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop stops the sweep loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel, done := m.cancel, m.done
		m.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
	})
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns the evicted worker ids.
func (m *HealthMonitor) SweepOnce(ctx context.Context) []string {
	expired := m.registry.Sweep(ctx)
	if len(expired) == 0 {
		return expired
	}

	m.log.Warn("leases expired", zap.Strings("worker_ids", expired))
	if m.onExpire != nil {
		m.onExpire(expired)
	}
	return expired
}
