// Package types provides API request/response types for REST communication.
// These types are used by both api/rest and internal/worker packages.
package types

// ============================================================================
// Worker registration
// ============================================================================

// RegisterRequest is the body of POST /api/v1/workers/register.
// Address may be a full URL; when empty the gateway derives it from the
// caller's IP and Port.
type RegisterRequest struct {
	Tag     string `json:"tag"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
	Class   string `json:"class"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	WorkerID  string `json:"worker_id"`
	Address   string `json:"address"`
	LeaseTTL  int64  `json:"lease_ttl_ms"`
	ExpiresAt int64  `json:"expires_at"`
}

// LegacyRegisterRequest is the body the original worker scripts send to /register.
type LegacyRegisterRequest struct {
	URL       string `json:"url"`
	ModelName string `json:"model_name"`
	ModelPath string `json:"model_path"`
}

// RenewResponse acknowledges a lease renewal.
type RenewResponse struct {
	WorkerID  string `json:"worker_id"`
	LeaseTTL  int64  `json:"lease_ttl_ms"`
	ExpiresAt int64  `json:"expires_at"`
}

// AckResponse is a generic acknowledgement.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned for every failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WorkerListResponse lists registered workers.
type WorkerListResponse struct {
	Workers []*Worker `json:"workers"`
	Total   int       `json:"total"`
}

// Error codes shared by the server and the client.
const (
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeDuplicateAddress  = "duplicate_address"
	ErrCodeUnknownWorker     = "unknown_worker"
	ErrCodeNoCapacity        = "no_capacity"
	ErrCodeWorkerUnreachable = "worker_unreachable"
	ErrCodeInternal          = "internal_error"
)

// Header names used by the routing endpoint.
const (
	HeaderAdmissionTimeout = "X-Admission-Timeout"
	HeaderWorkerID         = "X-Worker-ID"
)
