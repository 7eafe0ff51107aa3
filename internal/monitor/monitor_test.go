package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/internal/events"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []events.RiskAlert
}

func (s *recordingSink) Send(a events.RiskAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	assert.Equal(t, LatencyStats{}, h.Stats())

	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}
	stats := h.Stats()
	assert.Equal(t, 4, stats.Count, "window keeps the newest samples")
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 4.0, stats.Max)
	assert.Equal(t, 2.5, stats.Avg)
	assert.Equal(t, 4.0, stats.P99)
}

func TestSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncrementSignals()
	m.IncrementOrders()
	m.IncrementOrders()
	m.CycleCompleted(time.Now())
	m.SetActiveBots(3)

	snap := m.GetSnapshot()
	assert.EqualValues(t, 1, snap.Signals)
	assert.EqualValues(t, 2, snap.Orders)
	assert.EqualValues(t, 1, snap.Cycles)
	assert.EqualValues(t, 3, snap.ActiveBots)
	require.NotNil(t, snap.LastCycle)
}

func TestMonitorForwardsRiskAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &recordingSink{}
	log, _ := test.NewNullLogger()
	m := &Monitor{Bus: bus, Sink: sink, Log: log}
	m.Start(ctx)

	bus.Publish(events.EventRiskAlert, events.RiskAlert{UserID: "u1", Kind: "CIRCUIT_BREAKER", Severity: events.SeverityCritical})
	bus.Publish(events.EventRiskAlert, "not an alert")

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "u1", sink.alerts[0].UserID)
}

func TestLogSinkWritesWarning(t *testing.T) {
	log, hook := test.NewNullLogger()
	require.NoError(t, LogSink{Log: log}.Send(events.RiskAlert{UserID: "u1", Kind: "STOP_LOSS_HIT", Message: "closed"}))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "u1", hook.LastEntry().Data["user_id"])
}
