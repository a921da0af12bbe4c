package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"yqhp/proofsearch/pkg/types"
)

// HTTPTransport forwards requests to workers over HTTP with fasthttp.
type HTTPTransport struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPTransport creates a transport whose requests give up after timeout
// unless the request or context carries an earlier deadline.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &fasthttp.Client{
			Name:                     "proofsearch-gateway",
			MaxConnsPerHost:          512,
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		},
		timeout: timeout,
	}
}

type forwardResult struct {
	resp *types.Response
	err  error
}

// Forward sends req to worker.Address+req.Path and returns the response
// verbatim, whatever its status code. Only transport failures are errors.
func (t *HTTPTransport) Forward(ctx context.Context, worker *types.Worker, req *types.Request) (*types.Response, error) {
	deadline := time.Now().Add(t.timeout)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// fasthttp has no context support; run the call aside so cancellation
	// returns promptly. The buffered channel lets the call finish on its own.
	ch := make(chan forwardResult, 1)
	go func() {
		resp, err := t.do(worker, req, deadline)
		ch <- forwardResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.resp, r.err
	}
}

func (t *HTTPTransport) do(worker *types.Worker, req *types.Request, deadline time.Time) (*types.Response, error) {
	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	freq.SetRequestURI(worker.Address + req.Path)
	freq.Header.SetMethod(method)
	if req.ContentType != "" {
		freq.Header.SetContentType(req.ContentType)
	}
	freq.SetBody(req.Payload)

	if err := t.client.DoDeadline(freq, fresp, deadline); err != nil {
		return nil, fmt.Errorf("forward to %s (%s): %w", worker.ID, worker.Address, err)
	}

	return &types.Response{
		WorkerID:    worker.ID,
		StatusCode:  fresp.StatusCode(),
		ContentType: string(fresp.Header.ContentType()),
		Body:        append([]byte(nil), fresp.Body()...),
	}, nil
}
