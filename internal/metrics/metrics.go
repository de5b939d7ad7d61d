// Package metrics собирает Prometheus метрики подсистемы аутентификации.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Исходы операций (значение метки outcome)
const (
	OutcomeSuccess  = "success"
	OutcomeInvalid  = "invalid"
	OutcomeDisabled = "disabled"
	OutcomeError    = "error"
)

// Recorder - интерфейс, через который сервисы и репозитории пишут метрики.
type Recorder interface {
	RecordLogin(provider, outcome string, newUser bool)
	RecordRefresh(outcome, reason string)
	RecordLogout(scope string, revoked int64)
	RecordValidation(valid bool, reason string)
	RecordIdentityConflict()
	RecordSessionSuperseded()
	RecordLatency(operation string, d time.Duration)
}

// Collector реализует Recorder поверх Prometheus.
type Collector struct {
	logins            *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	logouts           *prometheus.CounterVec
	revokedSessions   prometheus.Counter
	validations       *prometheus.CounterVec
	identityConflicts prometheus.Counter
	superseded        prometheus.Counter
	latency           *prometheus.HistogramVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector создает Collector и регистрирует метрики в reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by provider and outcome",
		}, []string{"provider", "outcome", "new_user"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Refresh attempts by outcome and rejection reason",
		}, []string{"outcome", "reason"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logouts_total",
			Help: "Logout calls by scope",
		}, []string{"scope"}),
		revokedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_revoked_total",
			Help: "Sessions revoked by logout",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_validations_total",
			Help: "Access token validations by result",
		}, []string{"valid", "reason"}),
		identityConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_identity_conflicts_total",
			Help: "Concurrent first logins that lost the insert race and retried as lookup",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_superseded_total",
			Help: "Sessions replaced by a newer login on the same device",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_operation_duration_seconds",
			Help:    "Latency of auth operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.logouts,
		c.revokedSessions,
		c.validations,
		c.identityConflicts,
		c.superseded,
		c.latency,
	)

	return c
}

func (c *Collector) RecordLogin(provider, outcome string, newUser bool) {
	c.logins.WithLabelValues(provider, outcome, boolLabel(newUser)).Inc()
}

func (c *Collector) RecordRefresh(outcome, reason string) {
	c.refreshes.WithLabelValues(outcome, reason).Inc()
}

func (c *Collector) RecordLogout(scope string, revoked int64) {
	c.logouts.WithLabelValues(scope).Inc()
	if revoked > 0 {
		c.revokedSessions.Add(float64(revoked))
	}
}

func (c *Collector) RecordValidation(valid bool, reason string) {
	c.validations.WithLabelValues(boolLabel(valid), reason).Inc()
}

func (c *Collector) RecordIdentityConflict() {
	c.identityConflicts.Inc()
}

func (c *Collector) RecordSessionSuperseded() {
	c.superseded.Inc()
}

func (c *Collector) RecordLatency(operation string, d time.Duration) {
	c.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// Handler возвращает HTTP обработчик для скрейпа Prometheus.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// Noop ничего не записывает. Используется, когда метрики выключены, и в тестах.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordLogin(string, string, bool) {}
func (Noop) RecordRefresh(string, string) {}
func (Noop) RecordLogout(string, int64) {}
func (Noop) RecordValidation(bool, string) {}
func (Noop) RecordIdentityConflict() {}
func (Noop) RecordSessionSuperseded() {}
func (Noop) RecordLatency(string, time.Duration) {}
