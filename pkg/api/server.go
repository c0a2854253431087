package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/video-system/go-capture-core/pkg/capture"
	"github.com/video-system/go-capture-core/pkg/engine"
	"github.com/video-system/go-capture-core/pkg/ringbuffer"
)

// Device is the part of a capture device the API drives
type Device interface {
	Submit(ctx context.Context, req capture.SubmitRequest) (capture.SubmitResult, error)
	Flush(ctx context.Context) error
	ConfigureOutputs(ctx context.Context, targets []engine.Target) error
	Status(ctx context.Context) capture.DeviceStatus
	Results(from, to int64) []ringbuffer.Result
}

// DeviceManager looks up devices by id
type DeviceManager interface {
	ListDevices() []string
	Device(id string) (Device, bool)
}

type managerAdapter struct {
	m *capture.Manager
}

// WrapManager exposes a capture.Manager as a DeviceManager
func WrapManager(m *capture.Manager) DeviceManager {
	return managerAdapter{m: m}
}

func (a managerAdapter) ListDevices() []string {
	return a.m.ListDevices()
}

func (a managerAdapter) Device(id string) (Device, bool) {
	dev, ok := a.m.GetDevice(id)
	if !ok {
		return nil, false
	}
	return dev, true
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host           string
	Port           int
	Manager        DeviceManager
	Logger         *slog.Logger
	RequestTimeout time.Duration // Bound on a blocking submit, flush or configure; 0 means 5s
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	log    *slog.Logger
	router *gin.Engine
	server *http.Server
}

// ErrorResponse is the body of every failed call
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, log: cfg.Logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/devices", s.handleListDevices)

	dev := v1.Group("/devices/:id", s.lookupDevice)
	dev.GET("/status", s.handleStatus)
	dev.POST("/requests", s.handleSubmit)
	dev.POST("/flush", s.handleFlush)
	dev.PUT("/outputs", s.handleConfigureOutputs)
	dev.GET("/results", s.handleResults)

	s.router = r
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("api: server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("api: shutdown", "error", err)
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("api: request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

const deviceKey = "device"

func (s *Server) lookupDevice(c *gin.Context) {
	dev, ok := s.cfg.Manager.Device(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "device_not_found", fmt.Sprintf("device %q not found", c.Param("id")))
		c.Abort()
		return
	}
	c.Set(deviceKey, dev)
}

func device(c *gin.Context) Device {
	return c.MustGet(deviceKey).(Device)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "go-capture-core",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	ids := s.cfg.Manager.ListDevices()
	devices := make([]capture.DeviceStatus, 0, len(ids))
	for _, id := range ids {
		if dev, ok := s.cfg.Manager.Device(id); ok {
			devices = append(devices, dev.Status(c.Request.Context()))
		}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, device(c).Status(c.Request.Context()))
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req capture.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := device(c).Submit(ctx, req)
	if err != nil {
		s.writeCaptureError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleFlush(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := device(c).Flush(ctx); err != nil {
		s.writeCaptureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func (s *Server) handleConfigureOutputs(c *gin.Context) {
	var body struct {
		Targets []engine.Target `json:"targets"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := device(c).ConfigureOutputs(ctx, body.Targets); err != nil {
		s.writeCaptureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "targets": body.Targets})
}

func (s *Server) handleResults(c *gin.Context) {
	from, err := queryInt(c, "from")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	to, err := queryInt(c, "to")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": device(c).Results(from, to)})
}

func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// writeCaptureError maps a coordinator error to its HTTP status
func (s *Server) writeCaptureError(c *gin.Context, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, capture.ErrPoolExhausted):
		status, code = http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, capture.ErrStopped):
		status, code = http.StatusServiceUnavailable, "device_stopped"
	case errors.Is(err, capture.ErrFlushing):
		status, code = http.StatusConflict, "flushing"
	case errors.Is(err, capture.ErrFlushTimedOut):
		status, code = http.StatusGatewayTimeout, "flush_timed_out"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, capture.ErrMissingSettings),
		errors.Is(err, capture.ErrNoOutputs),
		errors.Is(err, capture.ErrDuplicateBuffer),
		errors.Is(err, capture.ErrUnknownTarget),
		errors.Is(err, capture.ErrInvalidTargets):
		status, code = http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, capture.ErrDispatchFailed):
		status, code = http.StatusBadGateway, "dispatch_failed"
	case errors.Is(err, capture.ErrDeviceError):
		status, code = http.StatusBadGateway, "device_error"
	default:
		status, code = http.StatusInternalServerError, "internal"
		s.log.Error("api: unexpected capture error", "path", c.FullPath(), "error", err)
	}
	writeError(c, status, code, err.Error())
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: code, Message: message, Timestamp: time.Now()})
}
