package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gainscan/config"
	"gainscan/internal/analysis"
	"gainscan/internal/history"
	"gainscan/internal/metrics"
	"gainscan/internal/scheduler"
	"gainscan/logger"
)

const defaultHistoryLimit = 20

// Controller is the part of the scheduler the dashboard drives.
type Controller interface {
	Status() scheduler.Status
	Trigger() error
}

// SettingsStore is the runtime settings holder the operator API edits.
type SettingsStore interface {
	Snapshot() config.Settings
	Patch(fn func(*config.Settings) error) error
}

// Server hosts the Gin-powered operator API for gainscan.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	controller    Controller
	history       history.Store
	settings      SettingsStore
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, controller Controller, store history.Store, settings SettingsStore, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if controller == nil || store == nil || settings == nil {
		return nil, errors.New("dashboard requires a scheduler, a history store and settings")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		controller:    controller,
		history:       store,
		settings:      settings,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/settings", s.handleSettings)
	api.PUT("/settings", s.handleUpdateSettings)
	api.POST("/settings/reset", s.handleResetSettings)
	api.GET("/latest", s.handleLatest)
	api.GET("/history", s.handleHistory)
	api.GET("/history/:id", s.handleHistoryRecord)
	api.POST("/run", s.handleRun)

	api.GET("/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	api.GET("/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	return router, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Snapshot())
}

// handleUpdateSettings merges the JSON body onto the current settings. Keys
// left out keep their value; the whole result must validate.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.settings.Patch(func(next *config.Settings) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(next); err != nil {
			return fmt.Errorf("invalid settings body: %w", err)
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated := s.settings.Snapshot()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"settings": updated}).Info("runtime settings updated")
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleResetSettings(c *gin.Context) {
	if err := s.settings.Patch(func(next *config.Settings) error {
		*next = config.DefaultSettings()
		return nil
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.WithComponent("dashboard").Info("runtime settings reset to defaults")
	c.JSON(http.StatusOK, s.settings.Snapshot())
}

func (s *Server) handleLatest(c *gin.Context) {
	record, err := s.history.Latest(c.Request.Context())
	if err != nil {
		s.historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	summaries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": summaries})
}

func (s *Server) handleHistoryRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history id"})
		return
	}

	record, err := s.history.Get(c.Request.Context(), id)
	if err != nil {
		s.historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleRun(c *gin.Context) {
	if err := s.controller.Trigger(); err != nil {
		if errors.Is(err, analysis.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.WithComponent("dashboard").Info("manual run triggered")
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) historyError(c *gin.Context, err error) {
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.WithComponent("dashboard").WithError(err).Error("history query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
