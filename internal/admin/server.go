// Package admin exposes the operator HTTP surface: health, pipeline
// status, breaker control, and Prometheus metrics. It is the only place
// the emergency breaker can be reset from.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/breaker"
	"github.com/meridianx/execpipe/internal/coordinator"
	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/metrics"
	"github.com/meridianx/execpipe/internal/model"
)

// Server is the operator-facing HTTP server.
type Server struct {
	logger  *zap.Logger
	coord   *coordinator.Coordinator
	ledger  *ledger.Ledger
	breaker *breaker.Breaker
	metrics *metrics.Metrics
	http    *http.Server
}

// New builds the server. Call Run to start listening.
func New(logger *zap.Logger, addr string, coord *coordinator.Coordinator,
	led *ledger.Ledger, brk *breaker.Breaker, m *metrics.Metrics) *Server {
	s := &Server{
		logger:  logger,
		coord:   coord,
		ledger:  led,
		breaker: brk,
		metrics: m,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.POST("/breaker/reset", s.handleBreakerReset)
	router.POST("/halt", s.handleHalt)
	router.POST("/orders/:id/cancel", s.handleCancelOrder)
	router.POST("/signals", s.handleSignal)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		m.Registry, promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("admin server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	Halted           bool             `json:"halted"`
	TripReason       string           `json:"trip_reason,omitempty"`
	OpenPositions    int              `json:"open_positions"`
	Positions        []model.Position `json:"positions"`
	LossAccruedToday string           `json:"loss_accrued_today"`
	Equity           string           `json:"equity"`
	Day              string           `json:"day"`
	InFlightOrders   []model.Order    `json:"in_flight_orders"`
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.ledger.Snapshot()
	positions := make([]model.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}
	c.JSON(http.StatusOK, statusResponse{
		Halted:           s.breaker.Halted(),
		TripReason:       s.breaker.TripReason(),
		OpenPositions:    snap.OpenPositionCount,
		Positions:        positions,
		LossAccruedToday: snap.LossAccruedToday.String(),
		Equity:           snap.Equity.String(),
		Day:              snap.Day,
		InFlightOrders:   s.coord.InFlightOrders(),
	})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	if !s.breaker.Halted() {
		c.JSON(http.StatusConflict, gin.H{"error": "breaker is not tripped"})
		return
	}
	reason := s.breaker.TripReason()
	s.breaker.Reset()
	s.logger.Warn("breaker reset via admin API",
		zap.String("previous_reason", reason),
		zap.String("remote_addr", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"status": "reset", "previous_reason": reason})
}

type haltRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleHalt(c *gin.Context) {
	var req haltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.breaker.Trip("operator halt: " + req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "halted"})
}

// handleSignal accepts a pushed signal from the strategy engine. The
// response only acknowledges queueing; admission happens asynchronously.
func (s *Server) handleSignal(c *gin.Context) {
	var sig model.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	if sig.IssuedAt.IsZero() {
		sig.IssuedAt = time.Now().UTC()
	}
	if err := s.coord.EnqueueSignal(sig); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "signal_id": sig.ID})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := s.coord.CancelOrder(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}
