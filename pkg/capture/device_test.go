package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/video-system/go-capture-core/pkg/engine"
)

// fakeEngines holds the engines built through the registry, by device id.
var fakeEngines sync.Map

func init() {
	engine.Register("fake", func(cfg engine.Config, sink engine.ResultSink) (engine.Engine, error) {
		e := newFakeEngine()
		e.sink = sink
		fakeEngines.Store(cfg.DeviceID, e)
		return e, nil
	})
}

func fakeEngineFor(t *testing.T, deviceID string) *fakeEngine {
	t.Helper()
	v, ok := fakeEngines.Load(deviceID)
	if !ok {
		t.Fatalf("No fake engine for device %s", deviceID)
	}
	return v.(*fakeEngine)
}

func testConfig(ids ...string) *Config {
	cfg := &Config{Engine: "fake"}
	for _, id := range ids {
		cfg.Devices = append(cfg.Devices, DeviceConfig{
			ID:      id,
			Targets: []engine.Target{{ID: "preview", Format: "nv12", MaxBuffers: 4}},
		})
	}
	cfg.setDefaults()
	return cfg
}

func TestManagerLifecycle(t *testing.T) {
	cfg := testConfig("mgr-front", "mgr-rear")
	m, err := NewManager(cfg, DeviceOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if got := m.ListDevices(); len(got) != 2 || got[0] != "mgr-front" || got[1] != "mgr-rear" {
		t.Fatalf("Unexpected devices %v", got)
	}

	statuses := m.GetAllStatuses(ctx)
	front, rear := statuses["mgr-front"], statuses["mgr-rear"]
	if !front.IsRunning || front.SessionID == "" || front.SessionID == rear.SessionID {
		t.Errorf("Expected running devices with distinct sessions, got %q and %q", front.SessionID, rear.SessionID)
	}
	if front.Queue == nil || front.Queue.PoolCapacity != 4 {
		t.Errorf("Expected queue stats with the default pool, got %+v", front.Queue)
	}

	dev, ok := m.GetDevice("mgr-front")
	if !ok {
		t.Fatal("GetDevice(mgr-front) failed")
	}
	res, err := dev.Submit(ctx, previewRequest(defaultSettings, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RequestID != 1 || res.DeviceID != "mgr-front" || res.SessionID != front.SessionID {
		t.Errorf("Unexpected submit result %+v", res)
	}

	eng := fakeEngineFor(t, "mgr-front")
	eng.finish(eng.sink, res.RequestID, 1)
	waitUntil(t, "result in history", func() bool {
		results := dev.Results(0, 0)
		return len(results) == 1 && len(results[0].Buffers) == 1
	})

	m.Stop()
	if dev.IsRunning() {
		t.Error("Device should be stopped")
	}
	if _, err := dev.Submit(ctx, previewRequest(defaultSettings, 2)); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after stop, got %v", err)
	}
}

func TestDeviceConfigureOutputsUpdatesStatus(t *testing.T) {
	cfg := testConfig("cfg-cam")
	dev, err := NewDevice(cfg.Devices[0], DeviceOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	ctx := context.Background()
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop()

	if err := dev.Start(ctx); err == nil {
		t.Error("Second Start should fail")
	}

	targets := []engine.Target{{ID: "still", Format: "jpeg", MaxBuffers: 2}}
	if err := dev.ConfigureOutputs(ctx, targets); err != nil {
		t.Fatalf("ConfigureOutputs: %v", err)
	}
	status := dev.Status(ctx)
	if len(status.Targets) != 1 || status.Targets[0].ID != "still" {
		t.Errorf("Status should report new targets, got %+v", status.Targets)
	}
	if got := fakeEngineFor(t, "cfg-cam").targets; len(got) != 1 || got[0].ID != "still" {
		t.Errorf("Engine should see new targets, got %+v", got)
	}
}

func TestManagerStartFailures(t *testing.T) {
	cfg := testConfig("bad-cam")
	cfg.Devices[0].Targets = []engine.Target{{ID: "preview"}}

	m, err := NewManager(cfg, DeviceOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when no device starts")
	}
	defer m.Stop()

	if !errors.Is(m.GetError(), ErrInvalidTargets) {
		t.Errorf("Expected ErrInvalidTargets, got %v", m.GetError())
	}
	dev, _ := m.GetDevice("bad-cam")
	if dev.IsRunning() {
		t.Error("Device with bad targets should not be running")
	}
}

func TestNewManagerUnknownEngine(t *testing.T) {
	cfg := testConfig("nope-cam")
	cfg.Devices[0].Engine = "nope"
	if _, err := NewManager(cfg, DeviceOptions{Logger: discardLogger()}); err == nil {
		t.Fatal("Expected unknown engine error")
	}
}
