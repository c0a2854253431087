// Package engine defines the contract between the capture core and the
// underlying capture engine.
package engine

import (
	"context"
	"log/slog"
	"time"
)

// Engine is the interface for capture engines
type Engine interface {
	// Dispatch hands a request to the engine. inFlight is the number of
	// requests the core has dispatched and not yet seen complete. Dispatch
	// must not wait for results.
	Dispatch(req Request, inFlight int) DispatchResult

	// Flush asks the engine to finish outstanding work as fast as possible.
	// It does not wait for results to be delivered.
	Flush(ctx context.Context) error

	// ConfigureOutputs replaces the engine's stream configuration.
	ConfigureOutputs(ctx context.Context, targets []Target) error
}

// ResultSink receives partial completions from the engine, from any
// goroutine and in any order.
type ResultSink interface {
	ShutterDone(id int64, timestamp int64)
	MetadataDone(id int64, partialIndex int, data Metadata)
	BufferDone(id int64, buf StreamBuffer)
	DeviceError()
}

// Request is a read-only view of a capture request.
type Request interface {
	ID() int64
	Settings() Settings
	NumOutputs() int
	Output(i int) StreamBuffer
	Input() (StreamBuffer, bool)
}

// DispatchStatus is the outcome class of a dispatch
type DispatchStatus int

const (
	DispatchOK DispatchStatus = iota
	DispatchReconfigure
	DispatchFailed
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchOK:
		return "ok"
	case DispatchReconfigure:
		return "reconfigure_required"
	case DispatchFailed:
		return "failed"
	}
	return "unknown"
}

// WaitKind says what the engine needs before a reconfigure-required request
// can be retried.
type WaitKind int

const (
	WaitOneCompleted WaitKind = iota
	WaitAllPreviousCompleted
	WaitAllPreviousCompletedAndFencesSignaled
)

func (k WaitKind) String() string {
	switch k {
	case WaitOneCompleted:
		return "wait_one_completed"
	case WaitAllPreviousCompleted:
		return "wait_all_previous_completed"
	case WaitAllPreviousCompletedAndFencesSignaled:
		return "wait_all_previous_completed_and_fences_signaled"
	}
	return "unknown"
}

// DispatchResult is returned by Engine.Dispatch
type DispatchResult struct {
	Status DispatchStatus
	Wait   WaitKind // only meaningful for DispatchReconfigure
	Err    error    // only meaningful for DispatchFailed
}

// OK returns a successful dispatch result.
func OK() DispatchResult {
	return DispatchResult{Status: DispatchOK}
}

// Reconfigure returns a reconfigure-required result.
func Reconfigure(wait WaitKind) DispatchResult {
	return DispatchResult{Status: DispatchReconfigure, Wait: wait}
}

// Failed returns a hard failure.
func Failed(err error) DispatchResult {
	return DispatchResult{Status: DispatchFailed, Err: err}
}

// Config holds the per-device settings an engine is built with
type Config struct {
	DeviceID           string
	PipelineDepth      int
	PartialResultCount int
	MinLatency         time.Duration // Lower bound of simulated completion latency
	MaxLatency         time.Duration // Upper bound of simulated completion latency
	FenceDelay         time.Duration // Delay between buffer done and release fence
	Logger             *slog.Logger
}

// Factory builds an engine that reports into sink
type Factory func(cfg Config, sink ResultSink) (Engine, error)

// Registry holds registered engine implementations
var Registry = make(map[string]Factory)

// Register registers an engine implementation
func Register(name string, factory Factory) {
	Registry[name] = factory
}

// Get returns an engine factory by name
func Get(name string) (Factory, bool) {
	factory, ok := Registry[name]
	return factory, ok
}
