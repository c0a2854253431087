package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager orchestrates the configured devices
type Manager struct {
	cfg     *Config
	log     *slog.Logger
	devices map[string]*Device
	order   []string // Configuration order

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates one device per configured camera
func NewManager(cfg *Config, deps DeviceOptions) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		log:     deps.Logger,
		devices: make(map[string]*Device, len(cfg.Devices)),
	}

	for _, devCfg := range cfg.Devices {
		dev, err := NewDevice(devCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("create device %s: %w", devCfg.ID, err)
		}
		m.devices[devCfg.ID] = dev
		m.order = append(m.order, devCfg.ID)
		m.log.Info("capture: device configured", "device", devCfg.ID, "engine", devCfg.Engine, "targets", len(devCfg.Targets))
	}

	return m, nil
}

// Start starts all devices. A device that fails to start is logged and
// skipped; Start only fails when no device could be started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.Info("capture: starting devices", "count", len(m.order))

	started := 0
	var firstErr error
	for _, id := range m.order {
		if err := m.devices[id].Start(m.ctx); err != nil {
			m.log.Warn("capture: failed to start device", "device", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
	}
	if started == 0 && firstErr != nil {
		return fmt.Errorf("no device started: %w", firstErr)
	}
	return nil
}

// Stop stops all devices
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, id := range m.order {
		m.devices[id].Stop()
	}
	m.log.Info("capture: all devices stopped")
}

// Wait blocks until the context passed to Start is cancelled
func (m *Manager) Wait() {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	if ctx == nil {
		return
	}
	<-ctx.Done()
}

// GetDevice returns a device by ID
func (m *Manager) GetDevice(id string) (*Device, bool) {
	dev, ok := m.devices[id]
	return dev, ok
}

// ListDevices returns all device IDs in configuration order
func (m *Manager) ListDevices() []string {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// GetAllStatuses returns status for all devices
func (m *Manager) GetAllStatuses(ctx context.Context) map[string]DeviceStatus {
	statuses := make(map[string]DeviceStatus, len(m.devices))
	for id, dev := range m.devices {
		statuses[id] = dev.Status(ctx)
	}
	return statuses
}

// DeviceCount returns the number of configured devices
func (m *Manager) DeviceCount() int {
	return len(m.devices)
}

// GetError returns the first error from any device, or nil if no errors
func (m *Manager) GetError() error {
	for _, id := range m.order {
		if err := m.devices[id].GetError(); err != nil {
			return err
		}
	}
	return nil
}
