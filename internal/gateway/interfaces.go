package gateway

import (
	"context"

	"yqhp/proofsearch/pkg/types"
)

// Registry is the capability registry contract used by workers.
type Registry interface {
	Register(ctx context.Context, reg *types.Registration) (string, error)
	Renew(ctx context.Context, workerID string) (*types.Lease, error)
	Deregister(ctx context.Context, workerID string) error
	Lookup(ctx context.Context, tag string) []*types.Worker
}

// WorkerPool extends Registry with the operations the router, the health
// monitor and the HTTP surface need.
type WorkerPool interface {
	Registry

	Get(ctx context.Context, workerID string) (*types.Worker, error)
	List(ctx context.Context, filter *WorkerFilter) []*types.Worker
	Drain(ctx context.Context, workerID string) error
	Expire(ctx context.Context, workerID string) bool
	Sweep(ctx context.Context) []string

	// Acquire marks a dispatch start on a routable worker.
	Acquire(workerID string) error
	// Release marks a dispatch end.
	Release(workerID string)

	Watch(ctx context.Context) (<-chan *types.WorkerEvent, error)
	// Changed returns a channel closed the next time capacity may have been
	// added. Take it before Lookup to avoid missing a wakeup.
	Changed() <-chan struct{}
}

// WorkerFilter narrows List results.
type WorkerFilter struct {
	Tag      string
	Class    types.WorkerClass
	Statuses []types.WorkerStatus
}

// Transport forwards one request to one worker.
type Transport interface {
	Forward(ctx context.Context, worker *types.Worker, req *types.Request) (*types.Response, error)
}

// Selector picks one worker among routable candidates for a tag.
// Candidates are never empty and are sorted by worker id.
type Selector interface {
	Select(tag string, candidates []*types.Worker) *types.Worker
}

// Rewriter adapts a request payload for the selected worker.
type Rewriter func(worker *types.Worker, payload []byte) ([]byte, error)

// EventSink consumes registry events, e.g. to mirror them into Redis.
type EventSink interface {
	HandleEvent(ctx context.Context, event *types.WorkerEvent) error
}
