package rest

import "yqhp/proofsearch/internal/gateway"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Workers   int    `json:"workers"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Registry gateway.RegistryStats `json:"registry"`
	Dispatch []gateway.TagStats    `json:"dispatch"`
}

// LegacyWorker is one entry of the legacy /workers pool listing.
type LegacyWorker struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// LegacyWorkersResponse mirrors the pool listing old tooling expects.
type LegacyWorkersResponse struct {
	WorkerPool map[string][]LegacyWorker `json:"worker_pool"`
}
