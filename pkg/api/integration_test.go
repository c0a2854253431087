package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/video-system/go-capture-core/pkg/capture"
	"github.com/video-system/go-capture-core/pkg/engine/sim"
	"github.com/video-system/go-capture-core/pkg/ringbuffer"
)

func getResults(t *testing.T, s *Server, deviceID string) []ringbuffer.Result {
	t.Helper()
	w := do(t, s, http.MethodGet, "/api/v1/devices/"+deviceID+"/results", nil)
	var body struct {
		Results []ringbuffer.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	return body.Results
}

func getStatus(t *testing.T, s *Server, deviceID string) capture.DeviceStatus {
	t.Helper()
	w := do(t, s, http.MethodGet, "/api/v1/devices/"+deviceID+"/status", nil)
	var status capture.DeviceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func TestSimDeviceRoundTrip(t *testing.T) {
	cfg, err := capture.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := capture.NewManager(cfg, capture.DeviceOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	s := NewServer(ServerConfig{Manager: WrapManager(m), Logger: logger})
	id := cfg.Devices[0].ID

	for i := uint64(1); i <= 3; i++ {
		req := capture.SubmitRequest{Outputs: []capture.BufferRef{{TargetID: "preview", BufferID: i}}}
		if i == 1 {
			req.Settings = map[string]string{"exposure": "1/120"}
		}
		w := do(t, s, http.MethodPost, "/api/v1/devices/"+id+"/requests", req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("Submit %d: expected 202, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	if w := do(t, s, http.MethodPost, "/api/v1/devices/"+id+"/flush", nil); w.Code != http.StatusOK {
		t.Fatalf("Flush: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := do(t, s, http.MethodGet, "/api/v1/devices/"+id+"/results", nil)
	var body struct {
		Results []ringbuffer.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 3 {
		t.Fatalf("Expected 3 results after flush, got %d", len(body.Results))
	}
	for i, r := range body.Results {
		if r.Sequence != int64(i+1) || !r.Shutter || len(r.Buffers) != 1 {
			t.Errorf("Unexpected result %d: %+v", i, r)
		}
	}

	w = do(t, s, http.MethodGet, "/api/v1/devices/"+id+"/status", nil)
	var status capture.DeviceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Queue == nil || status.Queue.InFlight != 0 || status.Queue.LastID != 3 {
		t.Errorf("Unexpected queue stats %+v", status.Queue)
	}
}

func TestSimDeviceErrorFailsOutstanding(t *testing.T) {
	cfg, err := capture.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	// Nothing completes on its own during the test.
	cfg.Devices[0].Sim.MinLatency = time.Minute
	cfg.Devices[0].Sim.MaxLatency = time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := capture.NewManager(cfg, capture.DeviceOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	s := NewServer(ServerConfig{Manager: WrapManager(m), Logger: logger})
	id := cfg.Devices[0].ID
	dev, _ := m.GetDevice(id)
	eng, ok := dev.Engine().(*sim.Engine)
	if !ok {
		t.Fatalf("Expected the sim engine, got %T", dev.Engine())
	}

	for i := uint64(1); i <= 2; i++ {
		req := capture.SubmitRequest{
			Settings: map[string]string{"exposure": "1/60"},
			Outputs:  []capture.BufferRef{{TargetID: "preview", BufferID: i}},
		}
		if w := do(t, s, http.MethodPost, "/api/v1/devices/"+id+"/requests", req); w.Code != http.StatusAccepted {
			t.Fatalf("Submit %d: expected 202, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	eng.InjectDeviceError()

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := getStatus(t, s, id)
		if status.Queue != nil && status.Queue.InFlight == 0 && status.Queue.PoolInUse == 0 {
			if status.Queue.State != capture.StateNonBlocking.String() {
				t.Errorf("Expected admission reset, got %s", status.Queue.State)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Device error did not drain, queue %+v", status.Queue)
		}
		time.Sleep(5 * time.Millisecond)
	}

	results := getResults(t, s, id)
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Sequence != int64(i+1) || !r.Failed || r.Shutter {
			t.Errorf("Expected failed request %d without shutter, got %+v", i+1, r)
		}
	}

	req := capture.SubmitRequest{Outputs: []capture.BufferRef{{TargetID: "preview", BufferID: 3}}}
	if w := do(t, s, http.MethodPost, "/api/v1/devices/"+id+"/requests", req); w.Code != http.StatusAccepted {
		t.Errorf("Submit after device error: expected 202, got %d: %s", w.Code, w.Body.String())
	}
}
