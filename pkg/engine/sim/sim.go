// Package sim implements a simulated capture engine. It completes requests
// on background goroutines with random latency and reports the partial
// results in shuffled order, which makes it useful for exercising the
// ordering guarantees of the capture core.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/video-system/go-capture-core/pkg/engine"
)

func init() {
	engine.Register("sim", func(cfg engine.Config, sink engine.ResultSink) (engine.Engine, error) {
		return New(cfg, sink)
	})
}

// Formats the simulated sensor can produce.
var supportedFormats = map[string]bool{
	"":       true,
	"nv12":   true,
	"yuv420": true,
	"jpeg":   true,
	"raw10":  true,
}

var errClosed = errors.New("sim: engine closed")

// Engine is the simulated capture engine
type Engine struct {
	cfg  engine.Config
	sink engine.ResultSink
	log  *slog.Logger

	mu       sync.Mutex
	inFlight int
	gen      int           // Bumped by a device error; older jobs are dropped
	expedite chan struct{} // Closed by Flush
	targets  []engine.Target
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

type job struct {
	id      int64
	gen     int
	buffers []engine.StreamBuffer
}

// New creates a simulated engine reporting into sink.
func New(cfg engine.Config, sink engine.ResultSink) (*Engine, error) {
	if sink == nil {
		return nil, fmt.Errorf("sim: result sink is required")
	}
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 4
	}
	if cfg.PartialResultCount <= 0 {
		cfg.PartialResultCount = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		cfg:      cfg,
		sink:     sink,
		log:      log.With("engine", "sim"),
		expedite: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Dispatch implements engine.Engine
func (e *Engine) Dispatch(req engine.Request, inFlight int) engine.DispatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.Failed(errClosed)
	}
	if req.Settings().IsEmpty() {
		return engine.Failed(fmt.Errorf("sim: request %d has no settings", req.ID()))
	}
	if e.inFlight >= e.cfg.PipelineDepth {
		return engine.Reconfigure(engine.WaitOneCompleted)
	}

	j := job{id: req.ID(), gen: e.gen}
	for i := 0; i < req.NumOutputs(); i++ {
		j.buffers = append(j.buffers, req.Output(i))
	}
	if in, ok := req.Input(); ok {
		j.buffers = append(j.buffers, in)
	}

	e.inFlight++
	e.wg.Add(1)
	go e.run(j, e.latency(), e.expedite)
	return engine.OK()
}

// Flush implements engine.Engine. Outstanding jobs complete immediately.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	close(e.expedite)
	e.expedite = make(chan struct{})
	e.log.Debug("capture: sim flush", "in_flight", e.inFlight)
	return nil
}

// ConfigureOutputs implements engine.Engine
func (e *Engine) ConfigureOutputs(ctx context.Context, targets []engine.Target) error {
	for _, t := range targets {
		if !supportedFormats[t.Format] {
			return fmt.Errorf("sim: target %s: unsupported format %q", t.ID, t.Format)
		}
	}

	e.mu.Lock()
	e.targets = append(e.targets[:0], targets...)
	e.mu.Unlock()
	return nil
}

// Targets returns the active stream configuration.
func (e *Engine) Targets() []engine.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Target(nil), e.targets...)
}

// InFlight returns the number of jobs the engine is working on.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// InjectDeviceError drops every job in progress and reports a device error.
func (e *Engine) InjectDeviceError() {
	e.mu.Lock()
	e.gen++
	e.inFlight = 0
	e.mu.Unlock()

	e.log.Warn("capture: sim device error injected")
	e.sink.DeviceError()
}

// Close stops the engine and waits for its goroutines. Unfinished jobs are
// dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) latency() time.Duration {
	span := e.cfg.MaxLatency - e.cfg.MinLatency
	if span <= 0 {
		return e.cfg.MinLatency
	}
	return e.cfg.MinLatency + rand.N(span)
}

func (e *Engine) run(j job, delay time.Duration, expedite <-chan struct{}) {
	defer e.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-expedite:
			timer.Stop()
		case <-e.done:
			timer.Stop()
			return
		}
	}

	// Free the slot before any result is reported.
	e.mu.Lock()
	stale := j.gen != e.gen
	if !stale {
		e.inFlight--
	}
	e.mu.Unlock()
	if stale {
		return
	}

	for _, emit := range e.events(j) {
		emit()
	}
}

// events builds every partial completion of j in shuffled order.
func (e *Engine) events(j job) []func() {
	timestamp := time.Now().UnixNano()
	events := make([]func(), 0, 1+e.cfg.PartialResultCount+len(j.buffers))

	events = append(events, func() { e.sink.ShutterDone(j.id, timestamp) })
	for i := 1; i <= e.cfg.PartialResultCount; i++ {
		md := engine.Metadata{
			"device":           e.cfg.DeviceID,
			"partial":          strconv.Itoa(i),
			"sensor.timestamp": strconv.FormatInt(timestamp, 10),
		}
		events = append(events, func() { e.sink.MetadataDone(j.id, i, md) })
	}
	for _, b := range j.buffers {
		events = append(events, func() {
			e.sink.BufferDone(j.id, b)
			e.releaseLater(b)
		})
	}

	rand.Shuffle(len(events), func(a, b int) { events[a], events[b] = events[b], events[a] })
	return events
}

func (e *Engine) releaseLater(b engine.StreamBuffer) {
	if b.Fence == nil {
		return
	}
	if e.cfg.FenceDelay <= 0 {
		b.Fence.Signal(nil)
		return
	}
	time.AfterFunc(e.cfg.FenceDelay, func() { b.Fence.Signal(nil) })
}
