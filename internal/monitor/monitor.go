package monitor

import (
	"context"

	"github.com/sirupsen/logrus"

	"tradebot-core/internal/events"
)

// AlertSink delivers risk alerts somewhere a human will see them.
type AlertSink interface {
	Send(alert events.RiskAlert) error
}

// LogSink writes alerts to the logger at warn level.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Send(alert events.RiskAlert) error {
	s.Log.WithFields(logrus.Fields{
		"user_id":  alert.UserID,
		"kind":     alert.Kind,
		"severity": alert.Severity,
	}).Warn(alert.Message)
	return nil
}

// Monitor forwards risk alerts from the bus to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  logrus.FieldLogger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = logrus.StandardLogger()
	}
	if m.Bus == nil || m.Sink == nil {
		m.Log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg any) {
	alert, ok := msg.(events.RiskAlert)
	if !ok {
		return
	}
	if err := m.Sink.Send(alert); err != nil {
		m.Log.WithError(err).Error("deliver alert")
	}
}
