package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 同步核心的 Prometheus 指标
// 所有方法允许 nil 接收者，测试和未启用指标时直接传 nil
type Metrics struct {
	admitted      *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	stale         *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	reattach      *prometheus.CounterVec
	sendFailures  prometheus.Counter
	historyErrors prometheus.Counter
	openStreams   prometheus.Gauge
	typingUsers   prometheus.Gauge
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_admitted_total",
			Help:      "Messages admitted into a conversation stream, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_duplicate_total",
			Help:      "Deliveries rejected by the deduplicator, by source.",
		}, []string{"source"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_results_discarded_total",
			Help:      "Async results discarded because their conversation was closed or replaced.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_rejected_total",
			Help:      "Messages rejected for a missing id or a foreign conversation id.",
		}, []string{"source"}),
		reattach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "livefeed_reattach_total",
			Help:      "Live feed resubscription attempts, by outcome.",
		}, []string{"outcome"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Failed optimistic sends.",
		}),
		historyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_fetch_errors_total",
			Help:      "Failed history page fetches.",
		}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "open_streams",
			Help:      "Conversation streams currently open.",
		}),
		typingUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "typing_users",
			Help:      "Users currently in typing state across all conversations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.admitted, m.duplicates, m.stale, m.rejected, m.reattach,
			m.sendFailures, m.historyErrors, m.openStreams, m.typingUsers,
		)
	}
	return m
}

func (m *Metrics) Admitted(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.admitted.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Duplicate(source string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(source).Inc()
}

func (m *Metrics) Rejected(source string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(source).Inc()
}

func (m *Metrics) Stale(kind string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reattach(outcome string) {
	if m == nil {
		return
	}
	m.reattach.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) HistoryError() {
	if m == nil {
		return
	}
	m.historyErrors.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.openStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.openStreams.Dec()
}

func (m *Metrics) TypingDelta(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.typingUsers.Add(float64(delta))
}
