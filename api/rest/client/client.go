// Package client implements the gateway HTTP client used by workers and by
// the round orchestrator, on top of the Fiber client.
package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/types"
	"yqhp/proofsearch/pkg/utils"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// GatewayURL is the base URL of the gateway (e.g., "http://localhost:8080")
	GatewayURL string

	// RequestTimeout bounds registry calls.
	RequestTimeout time.Duration

	// DispatchTimeout bounds routed requests, admission wait included.
	DispatchTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		GatewayURL:      "http://localhost:8080",
		RequestTimeout:  10 * time.Second,
		DispatchTimeout: 15 * time.Minute,
	}
}

// Client talks to the gateway REST API.
type Client struct {
	config *Config
	agent  *fiber.Client
}

// NewClient creates a new HTTP client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}

	return &Client{
		config: config,
		agent:  fiber.AcquireClient(),
	}
}

// APIError is a non-2xx answer produced by the gateway itself.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the error code back to the gateway sentinel.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case types.ErrCodeDuplicateAddress:
		return gateway.ErrDuplicateAddress
	case types.ErrCodeUnknownWorker:
		return gateway.ErrUnknownWorker
	case types.ErrCodeNoCapacity:
		return gateway.ErrNoCapacity
	case types.ErrCodeWorkerUnreachable:
		return gateway.ErrWorkerUnreachable
	case types.ErrCodeInvalidRequest:
		return gateway.ErrInvalidRegistration
	default:
		return nil
	}
}

// Register registers a worker and returns its lease.
func (c *Client) Register(ctx context.Context, reg *types.Registration) (*types.Lease, error) {
	body, err := utils.Marshal(types.RegisterRequest{
		Tag:     reg.Tag,
		Address: reg.Address,
		Path:    reg.Path,
		Class:   string(reg.Class),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register request: %w", err)
	}

	var resp types.RegisterResponse
	if err := c.callJSON(ctx, fiber.MethodPost, "/api/v1/workers/register", body, &resp); err != nil {
		return nil, err
	}
	return leaseOf(resp.WorkerID, resp.LeaseTTL, resp.ExpiresAt), nil
}

// Renew extends the worker's lease.
func (c *Client) Renew(ctx context.Context, workerID string) (*types.Lease, error) {
	var resp types.RenewResponse
	if err := c.callJSON(ctx, fiber.MethodPost, workerPath(workerID, "renew"), nil, &resp); err != nil {
		return nil, err
	}
	return leaseOf(workerID, resp.LeaseTTL, resp.ExpiresAt), nil
}

// Drain stops routing to the worker.
func (c *Client) Drain(ctx context.Context, workerID string) error {
	var ack types.AckResponse
	return c.callJSON(ctx, fiber.MethodPost, workerPath(workerID, "drain"), nil, &ack)
}

// Deregister removes the worker.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	var ack types.AckResponse
	return c.callJSON(ctx, fiber.MethodPost, workerPath(workerID, "deregister"), nil, &ack)
}

// Worker fetches one worker record.
func (c *Client) Worker(ctx context.Context, workerID string) (*types.Worker, error) {
	var worker types.Worker
	if err := c.callJSON(ctx, fiber.MethodGet, workerPath(workerID, ""), nil, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// ListWorkers lists registered workers, optionally for one tag.
func (c *Client) ListWorkers(ctx context.Context, tag string) (*types.WorkerListResponse, error) {
	path := "/api/v1/workers"
	if tag != "" {
		path += "?tag=" + url.QueryEscape(tag)
	}
	var list types.WorkerListResponse
	if err := c.callJSON(ctx, fiber.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Dispatch routes req through the gateway. A worker response is returned
// verbatim whatever its status; gateway failures come back as *APIError.
func (c *Client) Dispatch(ctx context.Context, req *types.Request) (*types.Response, error) {
	path := "/api/v1/dispatch/" + url.PathEscape(req.Tag) + req.Path
	timeout := c.config.DispatchTimeout
	if !req.Deadline.IsZero() {
		if d := time.Until(req.Deadline); d < timeout {
			timeout = d
		}
	}

	resp, err := c.do(ctx, fiber.MethodPost, path, req.Payload, timeout, func(a *fiber.Agent) {
		if req.ContentType != "" {
			a.Set(fiber.HeaderContentType, req.ContentType)
		}
		if req.AdmissionTimeout > 0 {
			a.Set(types.HeaderAdmissionTimeout, req.AdmissionTimeout.String())
		}
	})
	if err != nil {
		return nil, err
	}
	defer fasthttp.ReleaseResponse(resp)

	workerID := string(resp.Header.Peek(types.HeaderWorkerID))
	if workerID == "" && resp.StatusCode() >= fiber.StatusBadRequest {
		return nil, apiError(resp)
	}
	return &types.Response{
		WorkerID:    workerID,
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        append([]byte(nil), resp.Body()...),
	}, nil
}

func (c *Client) callJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, body, c.config.RequestTimeout, nil)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := utils.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// do sends one request. The caller releases the returned response.
func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration, prepare func(*fiber.Agent)) (*fasthttp.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d, ok := ctx.Deadline(); ok {
		if rem := time.Until(d); rem < timeout {
			timeout = rem
		}
	}

	target := c.config.GatewayURL + path
	var agent *fiber.Agent
	if method == fiber.MethodGet {
		agent = c.agent.Get(target)
	} else {
		agent = c.agent.Post(target)
	}
	agent.Timeout(timeout)
	if body != nil {
		agent.Body(body)
		agent.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if prepare != nil {
		prepare(agent)
	}

	resp := fasthttp.AcquireResponse()
	agent.SetResponse(resp)

	// Agent has no context support; wait aside so cancellation returns promptly.
	ch := make(chan error, 1)
	go func() {
		_, _, errs := agent.Bytes()
		if len(errs) > 0 {
			ch <- errs[0]
			return
		}
		ch <- nil
	}()

	select {
	case <-ctx.Done():
		go func() {
			<-ch
			fasthttp.ReleaseResponse(resp)
		}()
		return nil, ctx.Err()
	case err := <-ch:
		if err != nil {
			fasthttp.ReleaseResponse(resp)
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return resp, nil
	}
}

func apiError(resp *fasthttp.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	var errResp types.ErrorResponse
	if err := utils.Unmarshal(resp.Body(), &errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Error
		apiErr.Message = errResp.Message
	} else {
		apiErr.Message = string(resp.Body())
	}
	return apiErr
}

func workerPath(id, action string) string {
	path := "/api/v1/workers/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}

func leaseOf(id string, ttlMs, expiresAtMs int64) *types.Lease {
	ttl := time.Duration(ttlMs) * time.Millisecond
	return &types.Lease{
		WorkerID: id,
		IssuedAt: time.UnixMilli(expiresAtMs).Add(-ttl),
		TTL:      ttl,
	}
}
