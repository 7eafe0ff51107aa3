// Package execlog records the append-only per-user execution history and
// mirrors each entry onto the event bus.
package execlog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tradebot-core/internal/events"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/id"
)

// Event types.
const (
	EventSignal         = "SIGNAL"
	EventOrderPlaced    = "ORDER_PLACED"
	EventOrderSkipped   = "ORDER_SKIPPED"
	EventOrderFailed    = "ORDER_FAILED"
	EventPositionOpened = "POSITION_OPENED"
	EventPositionClosed = "POSITION_CLOSED"
	EventDataFallback   = "DATA_FALLBACK"
	EventNoData         = "NO_DATA"
	EventError          = "ERROR"
	EventCircuitBreaker = "CIRCUIT_BREAKER"
	EventReconciled     = "RECONCILED"
	EventCycleCompleted = "CYCLE_COMPLETED"
)

// Entry is one log record. StrategyID is empty for global entries.
type Entry = db.ExecutionLog

// Log appends entries to the store and publishes them.
type Log struct {
	queries *db.UserQueries
	bus     *events.Bus
	log     logrus.FieldLogger
}

func New(queries *db.UserQueries, bus *events.Bus, log logrus.FieldLogger) *Log {
	return &Log{queries: queries, bus: bus, log: log}
}

// Append fills ID and CreatedAt when missing, persists the entry and
// publishes it as events.EventExecutionLog.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = id.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := l.queries.AppendExecutionLog(ctx, e); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"user_id":    e.UserID,
			"event_type": e.EventType,
		}).Error("append execution log")
		return err
	}
	if l.bus != nil {
		l.bus.Publish(events.EventExecutionLog, e)
	}
	return nil
}

// Tail returns the user's n most recent entries, newest first.
func (l *Log) Tail(ctx context.Context, userID string, n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	return l.queries.TailExecutionLogs(ctx, userID, n)
}

// Failure builds an unsuccessful entry carrying a summary of err. Provider
// payloads never reach the entry.
func Failure(userID, strategyID, eventType, symbol string, err error) Entry {
	e := Entry{UserID: userID, StrategyID: strategyID, EventType: eventType, Symbol: symbol}
	if err != nil {
		e.ErrorMessage = common.Summary(err)
	}
	return e
}

// Success builds a successful entry with details.
func Success(userID, strategyID, eventType, symbol string, details map[string]any) Entry {
	return Entry{UserID: userID, StrategyID: strategyID, EventType: eventType, Symbol: symbol, Success: true, Details: details}
}
