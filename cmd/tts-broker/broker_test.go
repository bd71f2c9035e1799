package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/command"
	"github.com/book-expert/speech-broker/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func testConfig(t *testing.T, serviceURL string) *config.Config {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.CommandAddr = "127.0.0.1:0"
	cfg.Server.DownloadAddr = "127.0.0.1:0"
	cfg.Store.OutputDir = t.TempDir()
	cfg.Synthesis.ServiceURL = serviceURL
	cfg.Paths.BaseLogsDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "broker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestNewBroker_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.ArtifactFormat = "xyz"

	_, err := newBroker(cfg, testLogger(t))
	require.Error(t, err)
}

func TestBroker_ServesAndShutsDown(t *testing.T) {
	t.Parallel()

	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(inference.Close)

	brk, err := newBroker(testConfig(t, inference.URL), testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- brk.run(ctx) }()

	commandAddr, downloadAddr := brk.addrs()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+commandAddr+"/", nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	var ack command.Envelope

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, command.CommandStatus, ack.Command)
	require.NoError(t, conn.Close())

	health, err := http.Get("http://" + downloadAddr + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	require.NoError(t, health.Body.Close())

	missing, err := http.Get("http://" + downloadAddr + "/download/20260101_000000_00000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	require.NoError(t, missing.Body.Close())

	cancel()

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not shut down")
	}
}

func TestBroker_ShutdownWithConnectedClient(t *testing.T) {
	t.Parallel()

	brk, err := newBroker(testConfig(t, "http://127.0.0.1:1"), testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- brk.run(ctx) }()

	commandAddr, _ := brk.addrs()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+commandAddr+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	cancel()

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("connected client held up shutdown")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err = conn.ReadMessage()
	require.Error(t, err, "broker must close the client connection")
}

func TestBroker_ListenFailure(t *testing.T) {
	t.Parallel()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.CommandAddr = taken.Addr().String()

	brk, err := newBroker(cfg, testLogger(t))
	require.NoError(t, err)

	require.Error(t, brk.run(context.Background()))
}
