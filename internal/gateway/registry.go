package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/strutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"yqhp/proofsearch/pkg/types"
)

// DefaultLeaseTTL is used when no TTL is configured.
const DefaultLeaseTTL = 60 * time.Second

// InMemoryRegistry implements WorkerPool using in-memory storage guarded by a
// single RWMutex, so every mutation is linearizable with respect to Lookup.
type InMemoryRegistry struct {
	clock    clockwork.Clock
	leaseTTL time.Duration
	newID    func() string

	workers map[string]*types.Worker
	// (tag, address) -> worker id of the current holder
	addresses map[string]string
	changed   chan struct{}

	subscribers []chan *types.WorkerEvent
	subMu       sync.RWMutex
	eventBuffer int

	mu sync.RWMutex
}

// RegistryOption configures an InMemoryRegistry.
type RegistryOption func(*InMemoryRegistry)

// WithClock sets the time source.
func WithClock(clock clockwork.Clock) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.clock = clock
	}
}

// WithLeaseTTL sets the lease duration granted on register and renew.
func WithLeaseTTL(ttl time.Duration) RegistryOption {
	return func(r *InMemoryRegistry) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// WithEventBuffer sets the buffer size of Watch channels.
func WithEventBuffer(n int) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.eventBuffer = n
	}
}

// WithIDGenerator replaces the uuid based worker id generator.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.newID = fn
	}
}

// NewInMemoryRegistry creates a new in-memory worker registry.
func NewInMemoryRegistry(opts ...RegistryOption) *InMemoryRegistry {
	r := &InMemoryRegistry{
		clock:       clockwork.NewRealClock(),
		leaseTTL:    DefaultLeaseTTL,
		newID:       uuid.NewString,
		workers:     make(map[string]*types.Worker),
		addresses:   make(map[string]string),
		changed:     make(chan struct{}),
		subscribers: make([]chan *types.WorkerEvent, 0),
		eventBuffer: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LeaseTTL returns the lease duration granted by this registry.
func (r *InMemoryRegistry) LeaseTTL() time.Duration {
	return r.leaseTTL
}

// NormalizeAddress turns "host:port" into "http://host:port" and strips a
// trailing slash, so the same endpoint always yields the same key.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func addressKey(tag, address string) string {
	return tag + "\x00" + address
}

// Register registers a worker and grants it a fresh lease.
func (r *InMemoryRegistry) Register(ctx context.Context, reg *types.Registration) (string, error) {
	if reg == nil {
		return "", fmt.Errorf("%w: registration cannot be nil", ErrInvalidRegistration)
	}
	if strutil.IsBlank(reg.Tag) {
		return "", fmt.Errorf("%w: tag is required", ErrInvalidRegistration)
	}
	address := NormalizeAddress(reg.Address)
	if address == "" {
		return "", fmt.Errorf("%w: address is required", ErrInvalidRegistration)
	}
	class := reg.Class
	if class == "" {
		class = types.WorkerClassModelServer
	}
	if !class.Valid() {
		return "", fmt.Errorf("%w: unknown class %q", ErrInvalidRegistration, class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	key := addressKey(reg.Tag, address)
	if holderID, ok := r.addresses[key]; ok {
		holder := r.workers[holderID]
		if holder != nil && holder.Routable(now) {
			return "", fmt.Errorf("%w: %s already serves %s as %s", ErrDuplicateAddress, address, reg.Tag, holderID)
		}
		// a draining holder keeps its entry until it deregisters; a lapsed
		// one is evicted here instead of waiting for the sweep
		if holder != nil && !(holder.Status == types.WorkerStatusDraining && holder.Lease.Valid(now)) {
			r.evictLocked(holder, now)
		}
	}

	id := r.newID()
	worker := &types.Worker{
		ID:           id,
		Tag:          reg.Tag,
		Address:      address,
		Path:         reg.Path,
		Class:        class,
		Status:       types.WorkerStatusLive,
		Lease:        types.Lease{WorkerID: id, IssuedAt: now, TTL: r.leaseTTL},
		RegisteredAt: now,
	}
	r.workers[id] = worker
	r.addresses[key] = id

	r.notifyEvent(types.WorkerEventRegistered, worker, now)
	r.broadcastLocked()

	return id, nil
}

// Renew extends a worker's lease by one TTL from now.
func (r *InMemoryRegistry) Renew(ctx context.Context, workerID string) (*types.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	now := r.clock.Now()
	if worker.Status == types.WorkerStatusExpired || !worker.Lease.Valid(now) {
		r.evictLocked(worker, now)
		return nil, fmt.Errorf("%w: lease of %s lapsed", ErrUnknownWorker, workerID)
	}

	worker.Lease.IssuedAt = now
	r.notifyEvent(types.WorkerEventRenewed, worker, now)

	lease := worker.Lease
	return &lease, nil
}

// Deregister removes a worker voluntarily.
func (r *InMemoryRegistry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	r.removeLocked(worker)
	r.notifyEvent(types.WorkerEventDeregistered, worker, r.clock.Now())
	return nil
}

// Lookup returns copies of the routable workers serving tag, sorted by id.
func (r *InMemoryRegistry) Lookup(ctx context.Context, tag string) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	result := make([]*types.Worker, 0)
	for _, w := range r.workers {
		if w.Tag == tag && w.Routable(now) {
			result = append(result, w.Clone())
		}
	}
	sortByID(result)
	return result
}

// Get returns a copy of one worker.
func (r *InMemoryRegistry) Get(ctx context.Context, workerID string) (*types.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	return r.snapshot(worker, r.clock.Now()), nil
}

// List returns copies of all workers matching filter, sorted by tag then id.
// A lapsed lease that has not been swept yet is reported as expired.
func (r *InMemoryRegistry) List(ctx context.Context, filter *WorkerFilter) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	result := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		snap := r.snapshot(w, now)
		if filter != nil && !filter.matches(snap) {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Tag != result[j].Tag {
			return result[i].Tag < result[j].Tag
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (f *WorkerFilter) matches(w *types.Worker) bool {
	if f.Tag != "" && w.Tag != f.Tag {
		return false
	}
	if f.Class != "" && w.Class != f.Class {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if w.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *InMemoryRegistry) snapshot(w *types.Worker, now time.Time) *types.Worker {
	snap := w.Clone()
	if !snap.Lease.Valid(now) {
		snap.Status = types.WorkerStatusExpired
	}
	return snap
}

// Drain stops routing to a live worker while it finishes in-flight work.
func (r *InMemoryRegistry) Drain(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	now := r.clock.Now()
	if !worker.Lease.Valid(now) {
		r.evictLocked(worker, now)
		return fmt.Errorf("%w: lease of %s lapsed", ErrUnknownWorker, workerID)
	}
	if worker.Status == types.WorkerStatusDraining {
		return nil
	}

	worker.Status = types.WorkerStatusDraining
	r.notifyEvent(types.WorkerEventDraining, worker, now)
	return nil
}

// Expire evicts a worker immediately. It reports whether the worker was present.
func (r *InMemoryRegistry) Expire(ctx context.Context, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return false
	}
	r.evictLocked(worker, r.clock.Now())
	return true
}

// Sweep evicts every worker whose lease has lapsed and returns their ids.
func (r *InMemoryRegistry) Sweep(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	expired := make([]string, 0)
	for _, w := range r.workers {
		if !w.Lease.Valid(now) {
			expired = append(expired, w.ID)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		r.evictLocked(r.workers[id], now)
	}
	return expired
}

// Acquire records the start of a dispatch. It fails with ErrUnknownWorker if
// the worker stopped being routable since it was looked up.
func (r *InMemoryRegistry) Acquire(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	now := r.clock.Now()
	if !exists || !worker.Routable(now) {
		return fmt.Errorf("%w: %s is not routable", ErrUnknownWorker, workerID)
	}
	worker.Inflight++
	worker.Dispatched++
	worker.LastDispatched = now
	return nil
}

// Release records the end of a dispatch.
func (r *InMemoryRegistry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if worker, exists := r.workers[workerID]; exists && worker.Inflight > 0 {
		worker.Inflight--
	}
}

// Changed returns a channel that is closed the next time a worker registers.
func (r *InMemoryRegistry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

func (r *InMemoryRegistry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// evictLocked marks a worker expired and removes it. Callers hold r.mu.
func (r *InMemoryRegistry) evictLocked(worker *types.Worker, now time.Time) {
	worker.Status = types.WorkerStatusExpired
	r.removeLocked(worker)
	r.notifyEvent(types.WorkerEventExpired, worker, now)
}

func (r *InMemoryRegistry) removeLocked(worker *types.Worker) {
	delete(r.workers, worker.ID)
	key := addressKey(worker.Tag, worker.Address)
	if r.addresses[key] == worker.ID {
		delete(r.addresses, key)
	}
}

// Stats returns counts by status and by tag.
func (r *InMemoryRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	stats := RegistryStats{
		ByTag: make(map[string]int),
	}
	for _, w := range r.workers {
		stats.Total++
		switch {
		case w.Routable(now):
			stats.Live++
			stats.ByTag[w.Tag]++
			stats.Inflight += w.Inflight
		case w.Status == types.WorkerStatusDraining && w.Lease.Valid(now):
			stats.Draining++
			stats.Inflight += w.Inflight
		default:
			stats.Lapsed++
		}
	}
	return stats
}

// RegistryStats summarizes the registry.
type RegistryStats struct {
	Total    int            `json:"total"`
	Live     int            `json:"live"`
	Draining int            `json:"draining"`
	Lapsed   int            `json:"lapsed"`
	Inflight int            `json:"inflight"`
	ByTag    map[string]int `json:"by_tag"`
}

// Watch returns a channel of registry events until ctx is done.
func (r *InMemoryRegistry) Watch(ctx context.Context) (<-chan *types.WorkerEvent, error) {
	ch := make(chan *types.WorkerEvent, r.eventBuffer)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch, nil
}

// notifyEvent sends an event to all subscribers without blocking.
func (r *InMemoryRegistry) notifyEvent(eventType types.WorkerEventType, worker *types.Worker, at time.Time) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	if len(r.subscribers) == 0 {
		return
	}
	event := &types.WorkerEvent{
		Type:     eventType,
		WorkerID: worker.ID,
		Worker:   worker.Clone(),
		At:       at,
	}
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func (r *InMemoryRegistry) removeSubscriber(ch chan *types.WorkerEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}

func sortByID(workers []*types.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].ID < workers[j].ID
	})
}
