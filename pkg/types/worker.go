package types

import "time"

// WorkerClass defines the kind of compute a worker provides.
type WorkerClass string

const (
	// WorkerClassModelServer serves model inference (e.g. a vLLM server).
	WorkerClassModelServer WorkerClass = "model_server"
	// WorkerClassProofCompiler compiles and checks proof attempts.
	WorkerClassProofCompiler WorkerClass = "proof_compiler"
)

// Valid reports whether the class is one of the known worker classes.
func (c WorkerClass) Valid() bool {
	return c == WorkerClassModelServer || c == WorkerClassProofCompiler
}

// WorkerStatus represents the registry-side state of a worker.
type WorkerStatus string

const (
	// WorkerStatusRegistering indicates the registration is in progress.
	WorkerStatusRegistering WorkerStatus = "registering"
	// WorkerStatusLive indicates the worker holds a lease and may be routed to.
	WorkerStatusLive WorkerStatus = "live"
	// WorkerStatusDraining indicates the worker finishes in-flight work only.
	WorkerStatusDraining WorkerStatus = "draining"
	// WorkerStatusExpired indicates the lease lapsed or the worker was evicted.
	WorkerStatusExpired WorkerStatus = "expired"
)

// Lease is a time-bounded grant of liveness.
type Lease struct {
	WorkerID string        `json:"worker_id"`
	IssuedAt time.Time     `json:"issued_at"`
	TTL      time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the lease lapses.
func (l Lease) ExpiresAt() time.Time {
	return l.IssuedAt.Add(l.TTL)
}

// Valid reports whether the lease is still in force at now.
func (l Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt())
}

// Registration carries what a worker announces about itself.
type Registration struct {
	Tag     string      `json:"tag"`
	Address string      `json:"address"`
	Path    string      `json:"path,omitempty"`
	Class   WorkerClass `json:"class"`
}

// Worker is a registered worker as seen by the registry.
type Worker struct {
	ID             string       `json:"id"`
	Tag            string       `json:"tag"`
	Address        string       `json:"address"`
	Path           string       `json:"path,omitempty"`
	Class          WorkerClass  `json:"class"`
	Status         WorkerStatus `json:"status"`
	Lease          Lease        `json:"lease"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastDispatched time.Time    `json:"last_dispatched"`
	Inflight       int          `json:"inflight"`
	Dispatched     int64        `json:"dispatched"`
}

// Routable reports whether requests may be forwarded to the worker at now.
func (w *Worker) Routable(now time.Time) bool {
	return w.Status == WorkerStatusLive && w.Lease.Valid(now)
}

// Clone returns a copy that is safe to hand out of the registry.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

// WorkerEvent represents a worker lifecycle event.
type WorkerEvent struct {
	Type     WorkerEventType `json:"type"`
	WorkerID string          `json:"worker_id"`
	Worker   *Worker         `json:"worker,omitempty"`
	At       time.Time       `json:"at"`
}

// WorkerEventType defines the type of worker event.
type WorkerEventType string

const (
	// WorkerEventRegistered indicates a worker was registered.
	WorkerEventRegistered WorkerEventType = "registered"
	// WorkerEventRenewed indicates a worker renewed its lease.
	WorkerEventRenewed WorkerEventType = "renewed"
	// WorkerEventDraining indicates a worker stopped accepting new work.
	WorkerEventDraining WorkerEventType = "draining"
	// WorkerEventDeregistered indicates a worker left voluntarily.
	WorkerEventDeregistered WorkerEventType = "deregistered"
	// WorkerEventExpired indicates a worker was evicted after its lease lapsed
	// or a transport failure.
	WorkerEventExpired WorkerEventType = "expired"
)

// Request is a routing request for one capability tag.
type Request struct {
	Tag              string
	Method           string
	Path             string
	ContentType      string
	Payload          []byte
	AdmissionTimeout time.Duration
	Deadline         time.Time
}

// Response is a worker response returned verbatim to the caller.
type Response struct {
	WorkerID    string
	StatusCode  int
	ContentType string
	Body        []byte
}
