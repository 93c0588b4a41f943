package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: обработка VM-запроса целиком (guard + операция)
	RequestDuration *prometheus.HistogramVec

	// Исходы верификации identity-токенов по причине
	VerificationTotal *prometheus.CounterVec

	// Отказы LifecycleGuard по причине (revoked, identity, binding, status, not_found)
	GuardRejections *prometheus.CounterVec

	// Операции конвертного шифрования: op=encrypt|decrypt|rotate, result=ok|error
	CryptoOps *prometheus.CounterVec

	// Latency вызовов KMS
	KMSDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Переходы статусов агентов from -> to
	StatusTransitions *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистратора метрики пишутся в локальный реестр
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentvm_request_duration_seconds",
			Help:    "Histogram of VM request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "code"}),

		VerificationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_identity_verifications_total",
			Help: "Identity token verifications by outcome.",
		}, []string{"outcome"}),

		GuardRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_guard_rejections_total",
			Help: "Requests rejected by the lifecycle guard, by reason.",
		}, []string{"reason"}),

		CryptoOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_envelope_operations_total",
			Help: "Envelope crypto operations by op and result.",
		}, []string{"op", "result"}),

		KMSDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentvm_kms_call_duration_seconds",
			Help:    "Latency of KMS wrap/unwrap calls, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentvm_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentvm_status_transitions_total",
			Help: "Agent status transitions applied.",
		}, []string{"from", "to"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentvm_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// OnBreakerChange: колбэк для gobreaker.Settings.OnStateChange.
func (m *Metrics) OnBreakerChange(name string, _, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
