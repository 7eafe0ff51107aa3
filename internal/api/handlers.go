package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/engine"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/strategy"
	"tradebot-core/pkg/db"
)

type createStrategyRequest struct {
	Name             string          `json:"name" binding:"max=120"`
	Variant          string          `json:"variant" binding:"required"`
	Category         string          `json:"category"`
	Symbols          []string        `json:"symbols"`
	Timeframe        string          `json:"timeframe"`
	PositionSize     decimal.Decimal `json:"position_size"`
	MaxOpenPositions int             `json:"max_open_positions"`
	Enabled          bool            `json:"enabled"`
	Params           map[string]any  `json:"params"`
}

type updateParamsRequest struct {
	Params map[string]any `json:"params" binding:"required"`
}

// queryLimit reads ?limit=, clamped to [1, upper].
func queryLimit(c *gin.Context, def, upper int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, upper)
}

// writeError maps domain errors onto HTTP statuses. Anything unexpected is
// logged and answered with a generic message so provider payloads never leak.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrUserIDRequired),
		errors.Is(err, strategy.ErrInvalidConfig),
		errors.Is(err, strategy.ErrUnknownVariant),
		errors.Is(err, risk.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrCycleInProgress),
		errors.Is(err, db.ErrPositionNotOpen):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": c.GetString(requestIDKey),
			"path":       c.FullPath(),
		}).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) getMetrics(c *gin.Context) {
	snap := s.metrics.GetSnapshot()
	if s.bus != nil {
		snap.DroppedEvents = s.bus.Dropped()
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listVariants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"variants": s.variants})
}

func (s *Server) getStatus(c *gin.Context) {
	st, err := s.service.Status(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.service.OpenPositions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getTodayPnL(c *gin.Context) {
	pnl, err := s.service.TodayPnL(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pnl": pnl})
}

func (s *Server) getLogs(c *gin.Context) {
	entries, err := s.service.LogTail(c.Request.Context(), c.Param("user_id"), queryLimit(c, 50, 500))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (s *Server) getStrategies(c *gin.Context) {
	list, err := s.service.Strategies(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list})
}

func (s *Server) getPerformance(c *gin.Context) {
	perf, err := s.service.Performance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"performance": perf})
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.service.Orders(c.Request.Context(), c.Param("user_id"), queryLimit(c, 100, 500))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.service.Settings(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) createStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.service.CreateStrategy(c.Request.Context(), c.Param("user_id"), db.Strategy{
		Name:             req.Name,
		Variant:          req.Variant,
		Category:         req.Category,
		Symbols:          req.Symbols,
		Timeframe:        req.Timeframe,
		PositionSize:     req.PositionSize,
		MaxOpenPositions: req.MaxOpenPositions,
		Enabled:          req.Enabled,
		Params:           req.Params,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) enableStrategy(c *gin.Context) {
	if err := s.service.EnableStrategy(c.Request.Context(), c.Param("user_id"), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": true})
}

func (s *Server) disableStrategy(c *gin.Context) {
	if err := s.service.DisableStrategy(c.Request.Context(), c.Param("user_id"), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": false})
}

func (s *Server) updateStrategyParams(c *gin.Context) {
	var req updateParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.service.UpdateStrategyParams(c.Request.Context(), c.Param("user_id"), c.Param("id"), req.Params); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "params": req.Params})
}

func (s *Server) deleteStrategy(c *gin.Context) {
	if err := s.service.DeleteStrategy(c.Request.Context(), c.Param("user_id"), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) closePosition(c *gin.Context) {
	closed, err := s.service.ClosePosition(c.Request.Context(), c.Param("user_id"), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

func (s *Server) executeNow(c *gin.Context) {
	report, err := s.service.ExecuteNow(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) startBot(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.StartBot(c.Param("user_id")))
}

func (s *Server) stopBot(c *gin.Context) {
	if !s.service.StopBot(c.Param("user_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req risk.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.service.UpdateSettings(c.Request.Context(), c.Param("user_id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}
