package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncRegistration("success")
	m.ObserveStage("hash", time.Now())
	m.AddRoleEvents(3)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.IncRegistration("success")
	m.IncRegistration("success")
	m.IncReconciler("diverged")
	m.SetInFlight("ledger", 4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Registrations.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReconcilerOutcomes.WithLabelValues("diverged")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.InFlight.WithLabelValues("ledger")))
}

func TestMetricsServerHandler(t *testing.T) {
	srv, err := New("credreg", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Metrics().IncVerification("verified")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `credreg_verifications_total{result="verified"} 1`)

	_, err = New("", ":0")
	require.Error(t, err)
}
