package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/video-system/go-capture-core/pkg/engine"
	"github.com/video-system/go-capture-core/pkg/ringbuffer"
)

// DeviceOptions carries the process-wide dependencies shared by devices
type DeviceOptions struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Listener       Listener // Extra listener fed after the history
}

// Device represents a single camera. It owns the request pool, both
// coordinators and the engine they drive.
type Device struct {
	id      string
	cfg     DeviceConfig
	log     *slog.Logger
	engine  engine.Engine
	results *ResultOrdering
	queue   *RequestQueue
	history *ringbuffer.Buffer

	mu        sync.RWMutex
	isRunning bool
	sessionID string
	startedAt time.Time
	targets   []engine.Target
	lastErr   error
}

// NewDevice creates a device from its configuration
func NewDevice(cfg DeviceConfig, deps DeviceOptions) (*Device, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := cfg.Options(logger)
	opts.TracerProvider = deps.TracerProvider
	opts.MeterProvider = deps.MeterProvider

	history := ringbuffer.New(ringbuffer.Config{Capacity: cfg.History, DeviceID: cfg.ID})
	var listener Listener = history
	if deps.Listener != nil {
		listener = MultiListener{history, deps.Listener}
	}
	results := NewResultOrdering(opts, listener)

	factory, ok := engine.Get(cfg.Engine)
	if !ok {
		return nil, fmt.Errorf("device %s: unknown engine %q", cfg.ID, cfg.Engine)
	}
	eng, err := factory(cfg.EngineConfig(logger.With("device", cfg.ID)), results)
	if err != nil {
		return nil, fmt.Errorf("create engine for device %s: %w", cfg.ID, err)
	}

	return &Device{
		id:      cfg.ID,
		cfg:     cfg,
		log:     logger.With("device", cfg.ID),
		engine:  eng,
		results: results,
		queue:   NewRequestQueue(opts, eng, results),
		history: history,
		targets: slices.Clone(cfg.Targets),
	}, nil
}

// ID returns the device identifier
func (d *Device) ID() string {
	return d.id
}

// Start starts both coordinators and applies the configured targets. A new
// session id is generated on every start.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("device %s already running", d.id)
	}
	d.isRunning = true
	d.sessionID = uuid.NewString()
	d.startedAt = time.Now()
	targets := d.targets
	d.mu.Unlock()

	d.log.Info("capture: starting device", "session", d.sessionID, "engine", d.cfg.Engine)

	if err := d.results.Start(ctx); err != nil {
		return d.fail(fmt.Errorf("start result ordering: %w", err))
	}
	if err := d.queue.Start(ctx); err != nil {
		d.results.Stop()
		return d.fail(fmt.Errorf("start request queue: %w", err))
	}
	if err := d.queue.ConfigureOutputs(ctx, targets); err != nil {
		d.queue.Stop()
		d.results.Stop()
		return d.fail(fmt.Errorf("configure outputs: %w", err))
	}
	return nil
}

func (d *Device) fail(err error) error {
	d.mu.Lock()
	d.isRunning = false
	d.lastErr = err
	d.mu.Unlock()
	return err
}

// Stop stops the device. Callers still waiting on it get ErrStopped.
func (d *Device) Stop() {
	d.mu.Lock()
	running := d.isRunning
	d.isRunning = false
	d.mu.Unlock()
	if !running {
		return
	}

	d.queue.Stop()
	d.results.Stop()
	if c, ok := d.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.log.Warn("capture: closing engine", "error", err)
		}
	}
	d.log.Info("capture: device stopped")
}

// Submit admits one capture request
func (d *Device) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	id, err := d.queue.Submit(ctx, req)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{RequestID: id, DeviceID: d.id, SessionID: d.SessionID()}, nil
}

// Flush drains the device pipeline
func (d *Device) Flush(ctx context.Context) error {
	return d.queue.Flush(ctx)
}

// ConfigureOutputs replaces the device's stream targets
func (d *Device) ConfigureOutputs(ctx context.Context, targets []engine.Target) error {
	if err := d.queue.ConfigureOutputs(ctx, targets); err != nil {
		return err
	}
	d.mu.Lock()
	d.targets = slices.Clone(targets)
	d.mu.Unlock()
	return nil
}

// Results returns delivered results with from <= request id <= to
func (d *Device) Results(from, to int64) []ringbuffer.Result {
	return d.history.GetResultsInRange(from, to)
}

// Engine returns the engine driven by the device, for engine-specific
// controls such as the simulator's fault injection.
func (d *Device) Engine() engine.Engine {
	return d.engine
}

// SessionID returns the id of the current run
func (d *Device) SessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// IsRunning returns true while the device is started
func (d *Device) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetError returns the last start error, if any
func (d *Device) GetError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Status returns the device status. Coordinator snapshots are only taken
// while the device runs.
func (d *Device) Status(ctx context.Context) DeviceStatus {
	d.mu.RLock()
	status := DeviceStatus{
		DeviceID:  d.id,
		Engine:    d.cfg.Engine,
		IsRunning: d.isRunning,
		SessionID: d.sessionID,
		Targets:   slices.Clone(d.targets),
		History:   d.history.GetStatus(),
	}
	if !d.startedAt.IsZero() {
		status.StartedAt = d.startedAt.UnixMilli()
	}
	if d.lastErr != nil {
		status.Error = d.lastErr.Error()
	}
	d.mu.RUnlock()

	if !status.IsRunning {
		return status
	}
	if qs, err := d.queue.Stats(ctx); err == nil {
		status.Queue = &qs
	}
	if rs, err := d.results.Stats(ctx); err == nil {
		status.Results = &rs
	}
	return status
}
