package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg, reg)

	m.ObserveWebhook("stripe", "applied", 15*time.Millisecond)
	m.ObserveWebhook("stripe", "applied", 10*time.Millisecond)
	m.ObserveWebhook("polar", "duplicate", time.Millisecond)
	m.AddCredit("pack", 20)
	m.ObserveRefill("refilled", map[string]int64{"seed": 3, "flower": 1})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.WebhookEvents.WithLabelValues("stripe", "applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEvents.WithLabelValues("polar", "duplicate")))
	assert.Equal(t, float64(20), testutil.ToFloat64(m.CreditsApplied.WithLabelValues("pack")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.RefillUsers.WithLabelValues("seed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RefillRuns.WithLabelValues("refilled")))
}

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveWebhook("stripe", "applied", time.Millisecond)
	m.ObserveTransition("system", "upgraded")
	m.ObserveMirrorJob("succeeded")
	m.ObserveDrift("match")
	m.SinkDropped()
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.ObserveTransition("operator", "upgraded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `pollen_tiers_transitions_total{outcome="upgraded",trigger="operator"} 1`))
}
