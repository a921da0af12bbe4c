package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/proofsearch/pkg/types"
)

func TestHTTPTransportForward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write(append([]byte(`{"echo":`), append(body, '}')...))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(5 * time.Second)
	worker := &types.Worker{ID: "w-1", Address: srv.URL}
	resp, err := transport.Forward(context.Background(), worker, &types.Request{
		Path:        "/v1/completions",
		ContentType: "application/json",
		Payload:     []byte(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "w-1", resp.WorkerID)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.JSONEq(t, `{"echo":"hi"}`, string(resp.Body))
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	transport := NewHTTPTransport(2 * time.Second)
	_, err := transport.Forward(context.Background(), &types.Worker{ID: "w-1", Address: addr}, &types.Request{Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "w-1")
}

func TestHTTPTransportRespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	transport := NewHTTPTransport(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := transport.Forward(ctx, &types.Worker{ID: "w-1", Address: srv.URL}, &types.Request{Path: "/"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
