package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	t.Parallel()

	var recorder metrics.Recorder = metrics.Noop{}

	recorder.JobStarted()
	recorder.JobFinished(metrics.StatusOK, time.Second)
	recorder.Download(metrics.DownloadServed)
	recorder.Swept(1, 0)
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
}

func TestProm(t *testing.T) {
	t.Parallel()

	prom := metrics.NewProm("broker_test")

	prom.JobStarted()
	prom.JobStarted()
	prom.JobFinished(metrics.StatusOK, 2*time.Second)
	prom.JobFinished(metrics.StatusTranscodeFailed, time.Second)
	prom.Download(metrics.DownloadServed)
	prom.Download(metrics.DownloadExpired)
	prom.Download(metrics.DownloadExpired)
	prom.Swept(3, 1)
	prom.ConnectionOpened()
	prom.ConnectionOpened()
	prom.ConnectionClosed()

	families, err := prom.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}

	for _, name := range []string{
		"broker_test_jobs_started_total",
		"broker_test_jobs_finished_total",
		"broker_test_job_duration_seconds",
		"broker_test_downloads_total",
		"broker_test_sweep_deleted_total",
		"broker_test_sweep_failed_total",
		"broker_test_connections_active",
	} {
		assert.True(t, names[name], "missing metric %s", name)
	}

	assert.Equal(t, 2, testutil.CollectAndCount(prom.Registry(), "broker_test_downloads_total"))
}

func TestProm_IndependentRegistries(t *testing.T) {
	t.Parallel()

	first := metrics.NewProm("broker_test")
	second := metrics.NewProm("broker_test")

	first.JobStarted()

	assert.NotSame(t, first.Registry(), second.Registry())
}

func TestProm_Handler(t *testing.T) {
	t.Parallel()

	prom := metrics.NewProm("broker_test")
	prom.Download(metrics.DownloadNotFound)

	server := httptest.NewServer(prom.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `broker_test_downloads_total{outcome="not_found"} 1`)
}
