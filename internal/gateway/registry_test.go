package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/proofsearch/pkg/types"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(ttl time.Duration) (*InMemoryRegistry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	seq := 0
	var mu sync.Mutex
	reg := NewInMemoryRegistry(
		WithClock(clock),
		WithLeaseTTL(ttl),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("w-%03d", seq)
		}),
	)
	return reg, clock
}

func registration(tag, addr string) *types.Registration {
	return &types.Registration{Tag: tag, Address: addr, Class: types.WorkerClassModelServer}
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	id1, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)
	id2, err := reg.Register(ctx, registration("solver-8b", "http://10.0.0.2:8000/"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, registration("lean-compiler", "10.0.0.3:9000"))
	require.NoError(t, err)

	workers := reg.Lookup(ctx, "solver-8b")
	require.Len(t, workers, 2)
	assert.Equal(t, id1, workers[0].ID)
	assert.Equal(t, id2, workers[1].ID)
	assert.Equal(t, "http://10.0.0.1:8000", workers[0].Address)
	assert.Equal(t, "http://10.0.0.2:8000", workers[1].Address)
	assert.Equal(t, types.WorkerStatusLive, workers[0].Status)
	assert.Empty(t, reg.Lookup(ctx, "unknown-tag"))
}

func TestLookupReturnsCopies(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	workers := reg.Lookup(ctx, "solver-8b")
	workers[0].Status = types.WorkerStatusExpired
	workers[0].Tag = "mutated"

	w, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusLive, w.Status)
	assert.Equal(t, "solver-8b", w.Tag)
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidRegistration)
	_, err = reg.Register(ctx, registration(" ", "10.0.0.1:8000"))
	assert.ErrorIs(t, err, ErrInvalidRegistration)
	_, err = reg.Register(ctx, registration("solver-8b", ""))
	assert.ErrorIs(t, err, ErrInvalidRegistration)
	_, err = reg.Register(ctx, &types.Registration{Tag: "t", Address: "a:1", Class: "gpu"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	id, err := reg.Register(ctx, &types.Registration{Tag: "t", Address: "a:1"})
	require.NoError(t, err)
	w, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerClassModelServer, w.Class)
}

func TestRegisterDuplicateAddress(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	first, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, registration("solver-8b", "http://10.0.0.1:8000"))
	assert.ErrorIs(t, err, ErrDuplicateAddress)

	// the same address may serve a different tag
	_, err = reg.Register(ctx, registration("solver-32b", "10.0.0.1:8000"))
	require.NoError(t, err)

	// once the holder's lease lapses the address is free again
	clock.Advance(time.Minute)
	second, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = reg.Get(ctx, first)
	assert.ErrorIs(t, err, ErrUnknownWorker)
	assert.Len(t, reg.Lookup(ctx, "solver-8b"), 1)
}

func TestRegisterOverDrainingWorker(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	old, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)
	require.NoError(t, reg.Drain(ctx, old))

	fresh, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	workers := reg.Lookup(ctx, "solver-8b")
	require.Len(t, workers, 1)
	assert.Equal(t, fresh, workers[0].ID)

	// the draining entry still finishes and deregisters cleanly
	require.NoError(t, reg.Deregister(ctx, old))
	assert.Len(t, reg.Lookup(ctx, "solver-8b"), 1)
	_, err = reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	assert.ErrorIs(t, err, ErrDuplicateAddress)
}

func TestRenew(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	lease, err := reg.Renew(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(40*time.Second), lease.IssuedAt)
	assert.Equal(t, epoch.Add(100*time.Second), lease.ExpiresAt())

	_, err = reg.Renew(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestRenewAfterLapseIsUnknown(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = reg.Renew(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownWorker)

	// the lapsed entry is gone, a second renew reports the same
	_, err = reg.Renew(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownWorker)
	assert.Empty(t, reg.List(ctx, nil))
}

// solver-8b registers with a 60s TTL and renews every 20s, then stops.
func TestSolverLeaseScenario(t *testing.T) {
	reg, clock := newTestRegistry(60 * time.Second)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("solver-8b", "10.0.0.7:8000"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(20 * time.Second)
		_, err := reg.Renew(ctx, id)
		require.NoError(t, err)
		require.Len(t, reg.Lookup(ctx, "solver-8b"), 1)
	}

	// renewals stop at t=100s; routable until t=160s exclusive
	clock.Advance(59 * time.Second)
	assert.Len(t, reg.Lookup(ctx, "solver-8b"), 1)

	clock.Advance(time.Second)
	assert.Empty(t, reg.Lookup(ctx, "solver-8b"), "lapsed worker must not be returned before the sweep")

	assert.Equal(t, []string{id}, reg.Sweep(ctx))
	_, err = reg.Get(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestDeregister(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)
	require.NoError(t, reg.Deregister(ctx, id))
	assert.Empty(t, reg.Lookup(ctx, "solver-8b"))
	assert.ErrorIs(t, reg.Deregister(ctx, id), ErrUnknownWorker)

	// address is free after deregistration
	_, err = reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	assert.NoError(t, err)
}

func TestDrain(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, err := reg.Register(ctx, registration("lean-compiler", "10.0.0.1:9000"))
	require.NoError(t, err)

	require.NoError(t, reg.Drain(ctx, id))
	require.NoError(t, reg.Drain(ctx, id))
	assert.Empty(t, reg.Lookup(ctx, "lean-compiler"))

	w, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDraining, w.Status)

	// draining workers keep renewing until they deregister
	_, err = reg.Renew(ctx, id)
	assert.NoError(t, err)
	assert.ErrorIs(t, reg.Acquire(id), ErrUnknownWorker)
	assert.ErrorIs(t, reg.Drain(ctx, "missing"), ErrUnknownWorker)
}

func TestExpireAndSweep(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	a, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	clock.Advance(30 * time.Second)
	b, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.2:8000"))

	assert.True(t, reg.Expire(ctx, b))
	assert.False(t, reg.Expire(ctx, b))

	clock.Advance(29 * time.Second)
	assert.Empty(t, reg.Sweep(ctx))
	clock.Advance(time.Second)
	assert.Equal(t, []string{a}, reg.Sweep(ctx))
	assert.Zero(t, reg.Stats().Total)
}

func TestAcquireRelease(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	id, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	clock.Advance(time.Second)

	require.NoError(t, reg.Acquire(id))
	require.NoError(t, reg.Acquire(id))
	w, _ := reg.Get(ctx, id)
	assert.Equal(t, 2, w.Inflight)
	assert.Equal(t, int64(2), w.Dispatched)
	assert.Equal(t, epoch.Add(time.Second), w.LastDispatched)

	reg.Release(id)
	reg.Release(id)
	reg.Release(id)
	w, _ = reg.Get(ctx, id)
	assert.Zero(t, w.Inflight)

	assert.ErrorIs(t, reg.Acquire("missing"), ErrUnknownWorker)
	reg.Release("missing")
}

func TestListFilterAndLapsedStatus(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	a, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	_, _ = reg.Register(ctx, &types.Registration{Tag: "lean-compiler", Address: "10.0.0.2:9000", Class: types.WorkerClassProofCompiler})
	clock.Advance(30 * time.Second)
	c, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.3:8000"))
	require.NoError(t, reg.Drain(ctx, c))

	all := reg.List(ctx, nil)
	require.Len(t, all, 3)
	assert.Equal(t, "lean-compiler", all[0].Tag)

	compilers := reg.List(ctx, &WorkerFilter{Class: types.WorkerClassProofCompiler})
	assert.Len(t, compilers, 1)

	draining := reg.List(ctx, &WorkerFilter{Tag: "solver-8b", Statuses: []types.WorkerStatus{types.WorkerStatusDraining}})
	require.Len(t, draining, 1)
	assert.Equal(t, c, draining[0].ID)

	clock.Advance(30 * time.Second)
	w, err := reg.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusExpired, w.Status)

	stats := reg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Lapsed)
	assert.Equal(t, 1, stats.Draining)
	assert.Zero(t, stats.Live)
}

func TestChangedClosesOnRegister(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	ctx := context.Background()

	changed := reg.Changed()
	select {
	case <-changed:
		t.Fatal("changed closed before any registration")
	default:
	}

	_, err := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("changed not closed after registration")
	}
	assert.NotEqual(t, changed, reg.Changed())
}

func TestWatch(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := reg.Watch(ctx)
	require.NoError(t, err)

	id, _ := reg.Register(ctx, registration("solver-8b", "10.0.0.1:8000"))
	_, _ = reg.Renew(ctx, id)
	_ = reg.Drain(ctx, id)
	_ = reg.Deregister(ctx, id)
	_, _ = reg.Register(ctx, registration("solver-8b", "10.0.0.2:8000"))
	clock.Advance(time.Minute)
	reg.Sweep(ctx)

	want := []types.WorkerEventType{
		types.WorkerEventRegistered,
		types.WorkerEventRenewed,
		types.WorkerEventDraining,
		types.WorkerEventDeregistered,
		types.WorkerEventRegistered,
		types.WorkerEventExpired,
	}
	for i, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type, "event %d", i)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d (%s)", i, typ)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentRegistryAccess(t *testing.T) {
	reg, clock := newTestRegistry(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := reg.Register(ctx, registration("solver-8b", fmt.Sprintf("10.0.0.%d:8000", i)))
			if err != nil {
				return
			}
			for j := 0; j < 50; j++ {
				for _, w := range reg.Lookup(ctx, "solver-8b") {
					if reg.Acquire(w.ID) == nil {
						reg.Release(w.ID)
					}
				}
				_, _ = reg.Renew(ctx, id)
				if j%10 == 0 {
					clock.Advance(time.Second)
					reg.Sweep(ctx)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, w := range reg.Lookup(ctx, "solver-8b") {
		assert.Zero(t, w.Inflight)
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:8000", NormalizeAddress("10.0.0.1:8000"))
	assert.Equal(t, "https://node-3:443", NormalizeAddress(" https://node-3:443/ "))
	assert.Equal(t, "", NormalizeAddress("  "))
}

func TestSentinelWrapping(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	_, err := reg.Renew(context.Background(), "w-x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownWorker))
	assert.Contains(t, err.Error(), "w-x")
}
