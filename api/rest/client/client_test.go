package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/proofsearch/api/rest"
	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/internal/worker"
	"yqhp/proofsearch/pkg/types"
)

var _ worker.Registrar = (*Client)(nil)

type stubTransport struct {
	mu   sync.Mutex
	resp types.Response
	last types.Request
}

func (s *stubTransport) Forward(ctx context.Context, w *types.Worker, req *types.Request) (*types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = *req
	resp := s.resp
	resp.WorkerID = w.ID
	return &resp, nil
}

// setupTestServer serves a real gateway REST API on a loopback listener.
func setupTestServer(t *testing.T) (*Client, *gateway.Gateway, *stubTransport) {
	t.Helper()
	transport := &stubTransport{resp: types.Response{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"verified":true}`)}}

	cfg := gateway.DefaultConfig()
	cfg.AdmissionTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	gw, err := gateway.New(cfg, gateway.WithTransport(transport))
	require.NoError(t, err)

	serverCfg := rest.DefaultConfig()
	serverCfg.AccessLog = false
	server := rest.NewServer(gw, serverCfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.App().Listener(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	client := NewClient(&Config{
		GatewayURL:     "http://" + ln.Addr().String(),
		RequestTimeout: 2 * time.Second,
	})
	return client, gw, transport
}

func registration(address string) *types.Registration {
	return &types.Registration{Tag: "solver-8b", Address: address, Path: "/models/solver-8b", Class: types.WorkerClassModelServer}
}

func TestRegisterRenewDeregister(t *testing.T) {
	client, gw, _ := setupTestServer(t)
	ctx := context.Background()

	lease, err := client.Register(ctx, registration("http://10.0.0.1:8000"))
	require.NoError(t, err)
	assert.NotEmpty(t, lease.WorkerID)
	assert.Equal(t, 60*time.Second, lease.TTL)

	w, err := client.Worker(ctx, lease.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, "/models/solver-8b", w.Path)
	assert.Equal(t, types.WorkerStatusLive, w.Status)

	renewed, err := client.Renew(ctx, lease.WorkerID)
	require.NoError(t, err)
	assert.False(t, renewed.ExpiresAt().Before(lease.ExpiresAt()))

	list, err := client.ListWorkers(ctx, "solver-8b")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	require.NoError(t, client.Drain(ctx, lease.WorkerID))
	assert.Empty(t, gw.Registry().Lookup(ctx, "solver-8b"))

	require.NoError(t, client.Deregister(ctx, lease.WorkerID))
	_, err = client.Renew(ctx, lease.WorkerID)
	assert.ErrorIs(t, err, gateway.ErrUnknownWorker)
}

func TestErrorsMapToSentinels(t *testing.T) {
	client, _, _ := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Register(ctx, registration("http://10.0.0.1:8000"))
	require.NoError(t, err)

	_, err = client.Register(ctx, registration("http://10.0.0.1:8000"))
	assert.ErrorIs(t, err, gateway.ErrDuplicateAddress)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)

	_, err = client.Register(ctx, &types.Registration{Address: "http://10.0.0.2:8000"})
	assert.ErrorIs(t, err, gateway.ErrInvalidRegistration)

	_, err = client.Worker(ctx, "missing")
	assert.ErrorIs(t, err, gateway.ErrUnknownWorker)
}

func TestDispatch(t *testing.T) {
	client, _, transport := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Dispatch(ctx, &types.Request{Tag: "lean-compiler", Payload: []byte(`{}`), AdmissionTimeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, gateway.ErrNoCapacity)

	lease, err := client.Register(ctx, &types.Registration{Tag: "lean-compiler", Address: "http://10.0.0.3:8000", Class: types.WorkerClassProofCompiler})
	require.NoError(t, err)

	resp, err := client.Dispatch(ctx, &types.Request{
		Tag:         "lean-compiler",
		Path:        "/compile_one",
		ContentType: "application/json",
		Payload:     []byte(`{"code":"theorem t : True := trivial"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, lease.WorkerID, resp.WorkerID)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"verified":true}`, string(resp.Body))

	transport.mu.Lock()
	assert.Equal(t, "/compile_one", transport.last.Path)
	transport.mu.Unlock()

	// worker errors come back verbatim
	transport.mu.Lock()
	transport.resp = types.Response{StatusCode: 500, Body: []byte("lean crashed")}
	transport.mu.Unlock()
	resp, err = client.Dispatch(ctx, &types.Request{Tag: "lean-compiler", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "lean crashed", string(resp.Body))
}

func TestCanceledContext(t *testing.T) {
	client, _, _ := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Register(ctx, registration("http://10.0.0.1:8000"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnreachableGateway(t *testing.T) {
	client := NewClient(&Config{GatewayURL: "http://127.0.0.1:1", RequestTimeout: 500 * time.Millisecond})
	_, err := client.Register(context.Background(), registration("http://10.0.0.1:8000"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, gateway.ErrDuplicateAddress)
}

type nopService struct{ done chan struct{} }

func (s *nopService) Start(ctx context.Context, ep worker.Endpoint) error {
	s.done = make(chan struct{})
	return nil
}
func (s *nopService) Stop(ctx context.Context) error { return nil }
func (s *nopService) Done() <-chan struct{}          { return s.done }

func TestControllerOverHTTP(t *testing.T) {
	client, gw, _ := setupTestServer(t)

	ctrl := worker.NewController(client, &nopService{}, worker.Options{Tag: "solver-8b"},
		worker.WithAddressPicker(func(ctx context.Context) (worker.Endpoint, error) {
			return worker.Endpoint{Host: "10.0.0.9", Port: 8000}, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return ctrl.State() == worker.StateLive }, 2*time.Second, 5*time.Millisecond)
	live := gw.Registry().Lookup(context.Background(), "solver-8b")
	require.Len(t, live, 1)
	assert.Equal(t, "http://10.0.0.9:8000", live[0].Address)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.Empty(t, gw.Registry().List(context.Background(), nil))
}
