package worker

import (
	"context"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestExpandArgs(t *testing.T) {
	ep := Endpoint{Host: "10.0.0.5", Port: 8123}
	args := ExpandArgs([]string{"vllm", "serve", "--host", "{host}", "--port={port}", "--public", "{address}/v1"}, ep)
	assert.Equal(t, []string{"vllm", "serve", "--host", "10.0.0.5", "--port=8123", "--public", "http://10.0.0.5:8123/v1"}, args)
}

func TestFreePortPicker(t *testing.T) {
	ep, err := FreePortPicker("127.0.0.1")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.Host)
	assert.Greater(t, ep.Port, 0)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(ep.Port), ep.URL())
}

func TestProcessServiceStartStop(t *testing.T) {
	requireShell(t)
	svc := NewProcessService(ProcessConfig{Command: []string{"sleep", "30"}, StopTimeout: 2 * time.Second})

	require.NoError(t, svc.Start(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1}))
	assert.False(t, isClosed(svc.Done()))

	require.NoError(t, svc.Stop(context.Background()))
	assert.True(t, isClosed(svc.Done()))
	assert.Error(t, svc.ExitErr())
}

func TestProcessServiceReportsExit(t *testing.T) {
	requireShell(t)
	svc := NewProcessService(ProcessConfig{Command: []string{"sh", "-c", "exit 3"}})

	require.NoError(t, svc.Start(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1}))
	require.Eventually(t, func() bool { return isClosed(svc.Done()) }, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, svc.ExitErr())
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestProcessServiceWaitsForReadiness(t *testing.T) {
	requireShell(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()

	svc := NewProcessService(ProcessConfig{
		Command:      []string{"sleep", "30"},
		ReadyPath:    "/health",
		StartTimeout: 5 * time.Second,
		PollInterval: 50 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	})
	require.NoError(t, svc.Start(context.Background(), Endpoint{Host: "127.0.0.1", Port: port}))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestProcessServiceNotReady(t *testing.T) {
	requireShell(t)
	port, err := FreePort("127.0.0.1")
	require.NoError(t, err)

	svc := NewProcessService(ProcessConfig{
		Command:      []string{"sleep", "30"},
		ReadyPath:    "health",
		StartTimeout: 300 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	})
	err = svc.Start(context.Background(), Endpoint{Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
	assert.True(t, isClosed(svc.Done()))
}
