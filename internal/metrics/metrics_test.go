package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findMetric возвращает семейство метрик по имени
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCollector_RecordLogin(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("google", OutcomeSuccess, true)
	c.RecordLogin("google", OutcomeSuccess, true)
	c.RecordLogin("apple", OutcomeDisabled, false)

	mf := findMetric(t, reg, "auth_logins_total")
	require.NotNil(t, mf, "auth_logins_total должна быть зарегистрирована")
	assert.Len(t, mf.GetMetric(), 2)

	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(3), total)
}

func TestCollector_RecordLogout_CountsRevokedSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogout("device", 1)
	c.RecordLogout("all", 3)
	c.RecordLogout("device", 0)

	mf := findMetric(t, reg, "auth_sessions_revoked_total")
	require.NotNil(t, mf)
	assert.Equal(t, float64(4), mf.GetMetric()[0].GetCounter().GetValue())
}

func TestCollector_RecordIdentityConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIdentityConflict()

	mf := findMetric(t, reg, "auth_identity_conflicts_total")
	require.NotNil(t, mf)
	assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
}

func TestCollector_RecordLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLatency("login", 20*time.Millisecond)

	mf := findMetric(t, reg, "auth_operation_duration_seconds")
	require.NotNil(t, mf)
	assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestHandler_ServesExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordValidation(false, "expired")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `auth_token_validations_total{reason="expired",valid="false"} 1`))
}

func TestNoop_DoesNotPanic(t *testing.T) {
	var r Recorder = Noop{}
	assert.NotPanics(t, func() {
		r.RecordLogin("google", OutcomeSuccess, false)
		r.RecordRefresh(OutcomeInvalid, "unknown")
		r.RecordLogout("all", 2)
		r.RecordValidation(true, "")
		r.RecordIdentityConflict()
		r.RecordSessionSuperseded()
		r.RecordLatency("refresh", time.Second)
	})
}
