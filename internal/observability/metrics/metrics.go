package metrics

import "github.com/prometheus/client_golang/prometheus"

// LifecycleMetrics exposes counters/histograms for the appointment lifecycle:
// token verification, queue moves, meet-link firing and refunds.
type LifecycleMetrics struct {
	tokenVerifications *prometheus.CounterVec
	queueTransitions   *prometheus.CounterVec
	meetLinkFires      *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	refundOutcomes     *prometheus.CounterVec
	refundAmount       *prometheus.CounterVec
	waitEstimate       *prometheus.HistogramVec
}

func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		tokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "tokens",
			Name:      "verifications_total",
			Help:      "Token verification attempts by outcome",
		}, []string{"outcome"}),
		queueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Queue status transitions",
		}, []string{"to"}),
		meetLinkFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "meetlinks",
			Name:      "fires_total",
			Help:      "Meet link generation attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "meetlinks",
			Name:      "notifications_total",
			Help:      "Meet link deliveries by recipient role and status",
		}, []string{"role", "status"}),
		refundOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "refunds",
			Name:      "processed_total",
			Help:      "Cancellation refunds by policy and gateway status",
		}, []string{"policy", "status"}),
		refundAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "refunds",
			Name:      "amount_paise_total",
			Help:      "Refunded amount in paise by policy",
		}, []string{"policy"}),
		waitEstimate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "queue",
			Name:      "wait_estimate_minutes",
			Help:      "Estimated wait reported to patients",
			Buckets:   []float64{0, 5, 10, 15, 30, 45, 60, 90, 120, 180},
		}, []string{"confidence"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.tokenVerifications, m.queueTransitions, m.meetLinkFires,
		m.notifications, m.refundOutcomes, m.refundAmount, m.waitEstimate)
	return m
}

func (m *LifecycleMetrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.tokenVerifications.WithLabelValues(outcome).Inc()
}

func (m *LifecycleMetrics) ObserveQueueTransition(to string) {
	if m == nil {
		return
	}
	m.queueTransitions.WithLabelValues(to).Inc()
}

func (m *LifecycleMetrics) ObserveQueueTransitions(to string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueTransitions.WithLabelValues(to).Add(float64(n))
}

func (m *LifecycleMetrics) ObserveMeetLinkFire(trigger, outcome string) {
	if m == nil {
		return
	}
	m.meetLinkFires.WithLabelValues(trigger, outcome).Inc()
}

func (m *LifecycleMetrics) ObserveNotification(role string, delivered bool) {
	if m == nil {
		return
	}
	status := "failed"
	if delivered {
		status = "sent"
	}
	m.notifications.WithLabelValues(role, status).Inc()
}

func (m *LifecycleMetrics) ObserveRefund(policy, status string, amountPaise int64) {
	if m == nil {
		return
	}
	if status == "" {
		status = "none"
	}
	m.refundOutcomes.WithLabelValues(policy, status).Inc()
	if amountPaise > 0 {
		m.refundAmount.WithLabelValues(policy).Add(float64(amountPaise))
	}
}

func (m *LifecycleMetrics) ObserveWaitEstimate(confidence string, minutes int) {
	if m == nil {
		return
	}
	m.waitEstimate.WithLabelValues(confidence).Observe(float64(minutes))
}
