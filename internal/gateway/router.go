package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/types"
)

// RouterConfig holds router settings.
type RouterConfig struct {
	// MaxAttempts bounds the number of workers tried per dispatch.
	MaxAttempts int
	// AdmissionTimeout is the default wait for capacity when a tag has no
	// live worker. Requests may override it.
	AdmissionTimeout time.Duration
	// PollInterval re-checks the registry while waiting for capacity.
	PollInterval time.Duration
}

// DefaultRouterConfig returns the default router settings.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		MaxAttempts:      3,
		AdmissionTimeout: 30 * time.Second,
		PollInterval:     time.Second,
	}
}

// Router dispatches requests to live workers by capability tag.
type Router struct {
	registry  WorkerPool
	transport Transport
	selector  Selector
	rewriter  Rewriter
	clock     clockwork.Clock
	config    *RouterConfig
	stats     *Stats
	log       *zap.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithSelector sets the worker selection policy.
func WithSelector(s Selector) RouterOption {
	return func(r *Router) {
		r.selector = s
	}
}

// WithRewriter sets the per-attempt payload rewriter.
func WithRewriter(fn Rewriter) RouterOption {
	return func(r *Router) {
		r.rewriter = fn
	}
}

// WithRouterClock sets the time source used for admission waits.
func WithRouterClock(clock clockwork.Clock) RouterOption {
	return func(r *Router) {
		r.clock = clock
	}
}

// WithStats records dispatch statistics.
func WithStats(s *Stats) RouterOption {
	return func(r *Router) {
		r.stats = s
	}
}

// NewRouter creates a router over registry and transport.
func NewRouter(registry WorkerPool, transport Transport, config *RouterConfig, opts ...RouterOption) *Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	r := &Router{
		registry:  registry,
		transport: transport,
		selector:  LeastInflightSelector{},
		clock:     clockwork.NewRealClock(),
		config:    config,
		log:       logger.Named("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch forwards req to one live worker serving req.Tag.
//
// With no live worker it waits up to the admission timeout for one to
// register, then fails with ErrNoCapacity. A transport failure evicts the
// worker and retries another candidate, up to MaxAttempts workers; when all
// attempts fail or the candidates run out it returns ErrWorkerUnreachable.
// A worker response is returned verbatim, including non-2xx statuses.
func (r *Router) Dispatch(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := r.clock.Now()
	resp, err := r.dispatch(ctx, req, start)
	if r.stats != nil {
		r.stats.RecordDispatch(req.Tag, outcomeOf(err), r.clock.Since(start))
	}
	return resp, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNoCapacity):
		return OutcomeNoCapacity
	case errors.Is(err, ErrWorkerUnreachable):
		return OutcomeUnreachable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

func (r *Router) dispatch(ctx context.Context, req *types.Request, start time.Time) (*types.Response, error) {
	admission := req.AdmissionTimeout
	if admission <= 0 {
		admission = r.config.AdmissionTimeout
	}
	admitBy := start.Add(admission)

	// failed holds workers charged with a transport failure; lost holds
	// workers that stopped being routable between Lookup and Acquire.
	failed := make(map[string]bool)
	lost := make(map[string]bool)
	attempts := 0
	var lastErr error

	for attempts < r.config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates := excluding(excluding(r.registry.Lookup(ctx, req.Tag), failed), lost)
		if len(candidates) == 0 {
			if attempts > 0 {
				break
			}
			if err := r.awaitCapacity(ctx, req.Tag, admitBy); err != nil {
				return nil, err
			}
			clear(lost)
			continue
		}

		worker := r.selector.Select(req.Tag, candidates)
		if err := r.registry.Acquire(worker.ID); err != nil {
			// not an attempt
			lost[worker.ID] = true
			continue
		}

		resp, err := r.forward(ctx, worker, req)
		r.registry.Release(worker.ID)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var rwErr *RewriteError
		if errors.As(err, &rwErr) {
			return nil, err
		}

		attempts++
		failed[worker.ID] = true
		lastErr = err
		r.registry.Expire(ctx, worker.ID)
		if r.stats != nil {
			r.stats.RecordRetry(req.Tag)
		}
		r.log.Warn("worker failed, evicted",
			zap.String("tag", req.Tag),
			zap.String("worker_id", worker.ID),
			zap.String("address", worker.Address),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: tag %s after %d attempt(s): %v", ErrWorkerUnreachable, req.Tag, attempts, lastErr)
}

// RewriteError reports a payload the rewriter rejected. It is the caller's
// fault, so it is neither retried nor charged to the worker.
type RewriteError struct {
	WorkerID string
	Err      error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite payload for %s: %v", e.WorkerID, e.Err)
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}

func (r *Router) forward(ctx context.Context, worker *types.Worker, req *types.Request) (*types.Response, error) {
	out := req
	if r.rewriter != nil {
		payload, err := r.rewriter(worker, req.Payload)
		if err != nil {
			return nil, &RewriteError{WorkerID: worker.ID, Err: err}
		}
		cp := *req
		cp.Payload = payload
		out = &cp
	}
	return r.transport.Forward(ctx, worker, out)
}

// awaitCapacity blocks until tag has a routable worker, ctx ends or admitBy
// passes. No registry lock is held while waiting.
func (r *Router) awaitCapacity(ctx context.Context, tag string, admitBy time.Time) error {
	remaining := admitBy.Sub(r.clock.Now())
	if remaining <= 0 {
		return fmt.Errorf("%w: tag %s", ErrNoCapacity, tag)
	}

	timer := r.clock.NewTimer(remaining)
	defer timer.Stop()
	poll := r.clock.NewTicker(r.config.PollInterval)
	defer poll.Stop()

	for {
		changed := r.registry.Changed()
		if len(r.registry.Lookup(ctx, tag)) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return fmt.Errorf("%w: tag %s", ErrNoCapacity, tag)
		case <-changed:
		case <-poll.Chan():
		}
	}
}

func excluding(workers []*types.Worker, tried map[string]bool) []*types.Worker {
	if len(tried) == 0 {
		return workers
	}
	out := workers[:0]
	for _, w := range workers {
		if !tried[w.ID] {
			out = append(out, w)
		}
	}
	return out
}
