package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct{ status string }

func (s stubHealth) Check(context.Context) HealthStatus {
	return HealthStatus{Status: s.status, Timestamp: time.Now(), Components: map[string]string{"registry": "ok"}}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer("127.0.0.1:0", stubHealth{status: "up"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "up", got.Status)
	assert.Equal(t, "ok", got.Components["registry"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	srv := NewServer("127.0.0.1:0", stubHealth{status: "degraded"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	EditsSubmittedTotal.Inc()

	srv := NewServer("127.0.0.1:0", nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sitterd_edits_submitted_total")
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop", "language", "rust")
	span.End()
}
