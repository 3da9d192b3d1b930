package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveHTTP("/transcribe", "POST", 200, 150*time.Millisecond)
	m.ObserveTranscription("success", 2*time.Second, 4.5)
	m.ObserveTranscription("not_ready", 0, 0)
	m.IncStagingCleanupFailure()
	m.SetModelLoaded(true)
	m.ObserveRefinement("rate_limited", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	for _, want := range []string{
		`whisperd_http_requests_total{method="POST",route="/transcribe",status="200"} 1`,
		`whisperd_transcriptions_total{outcome="success"} 1`,
		`whisperd_transcriptions_total{outcome="not_ready"} 1`,
		`whisperd_audio_seconds_total 4.5`,
		`whisperd_staging_cleanup_failures_total 1`,
		`whisperd_model_loaded 1`,
		`whisperd_engine_duration_seconds_count 1`,
		`whisperd_refinements_total{outcome="rate_limited"} 1`,
		`whisperd_refine_duration_seconds_count 1`,
	} {
		require.Contains(t, out, want)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveHTTP("/health", "GET", 200, time.Millisecond)
		m.ObserveTranscription("success", time.Second, 1)
		m.ObserveUpstream("models", 200, time.Millisecond)
		m.IncStagingCleanupFailure()
		m.SetModelLoaded(true)
		m.ObserveRefinement("success", time.Second)
	})
}
