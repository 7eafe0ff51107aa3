package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebot-core/internal/engine"
	"tradebot-core/internal/events"
	"tradebot-core/pkg/db"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamLogs pushes the user's execution log entries as they are appended.
func (s *Server) streamLogs(c *gin.Context) {
	userID := c.Param("user_id")
	log := s.log.WithField("user_id", userID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}
	stream, unsub := s.bus.Subscribe(events.EventExecutionLog, 100)
	defer unsub()

	// Reader goroutine: detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-stream:
			if !ok {
				return
			}
			entry, isEntry := msg.(db.ExecutionLog)
			if !isEntry || entry.UserID != userID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(engine.LogEntryFrom(entry)); err != nil {
				log.WithError(err).Debug("ws write failed")
				return
			}
		}
	}
}
