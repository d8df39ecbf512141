package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Admitted("history", 3)
	m.Admitted("live", 1)
	m.Admitted("live", 0)
	m.Duplicate("live")
	m.Stale("history")
	m.Reattach("ok")
	m.SendFailure()
	m.HistoryError()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.TypingDelta(2)
	m.TypingDelta(-1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.admitted.WithLabelValues("history")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admitted.WithLabelValues("live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues("live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stale.WithLabelValues("history")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reattach.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.historyErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.typingUsers))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admitted("live", 1)
		m.Duplicate("live")
		m.Rejected("live")
		m.Stale("live")
		m.Reattach("error")
		m.SendFailure()
		m.HistoryError()
		m.StreamOpened()
		m.StreamClosed()
		m.TypingDelta(1)
	})
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Rejected("live")

	n, err := testutil.GatherAndCount(reg, "chatsync_messages_rejected_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
