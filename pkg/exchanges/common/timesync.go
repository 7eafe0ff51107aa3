package common

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const timeSyncInterval = 30 * time.Minute

// ServerClock returns the provider's current time in unix milliseconds.
type ServerClock func(ctx context.Context) (int64, error)

// TimeSync tracks the offset (server - local, in ms) used to timestamp signed
// requests so they stay inside the provider's receive window.
type TimeSync struct {
	server ServerClock
	log    logrus.FieldLogger
	offset atomic.Int64
}

func NewTimeSync(server ServerClock, log logrus.FieldLogger) *TimeSync {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TimeSync{server: server, log: log}
}

// Start syncs once, then every 30 minutes until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.WithError(err).Warn("initial time sync failed")
	}
	go func() {
		ticker := time.NewTicker(timeSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.WithError(err).Warn("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the offset once, taking the midpoint of the round trip as
// the local reference.
func (ts *TimeSync) Sync(ctx context.Context) error {
	sent := time.Now().UnixMilli()
	server, err := ts.server(ctx)
	if err != nil {
		return err
	}
	received := time.Now().UnixMilli()

	offset := server - (sent+received)/2
	ts.offset.Store(offset)
	ts.log.WithField("offset_ms", offset).Debug("time synced")
	return nil
}

// Now returns the local unix ms corrected by the last measured offset.
func (ts *TimeSync) Now() int64 {
	if ts == nil {
		return time.Now().UnixMilli()
	}
	return time.Now().UnixMilli() + ts.offset.Load()
}

func (ts *TimeSync) Offset() int64 {
	return ts.offset.Load()
}
