package capture

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/video-system/go-capture-core/pkg/engine"
)

// fakeEngine accepts every dispatch unless script says otherwise. Tests drive
// completions explicitly through finish.
type fakeEngine struct {
	mu        sync.Mutex
	sink      engine.ResultSink // Set when built through the registry
	script    func(req engine.Request, inFlight int) engine.DispatchResult
	calls     []dispatchCall
	buffers   map[int64][]engine.StreamBuffer
	flushes   int
	targets   []engine.Target
	configErr error
}

type dispatchCall struct {
	id       int64
	inFlight int
	settings engine.Settings
	status   engine.DispatchStatus
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{buffers: make(map[int64][]engine.StreamBuffer)}
}

func (e *fakeEngine) Dispatch(req engine.Request, inFlight int) engine.DispatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := engine.OK()
	if e.script != nil {
		res = e.script(req, inFlight)
	}
	e.calls = append(e.calls, dispatchCall{id: req.ID(), inFlight: inFlight, settings: req.Settings(), status: res.Status})
	if res.Status == engine.DispatchOK {
		bufs := make([]engine.StreamBuffer, 0, req.NumOutputs()+1)
		for i := 0; i < req.NumOutputs(); i++ {
			bufs = append(bufs, req.Output(i))
		}
		if in, ok := req.Input(); ok {
			bufs = append(bufs, in)
		}
		e.buffers[req.ID()] = bufs
	}
	return res
}

func (e *fakeEngine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

func (e *fakeEngine) ConfigureOutputs(ctx context.Context, targets []engine.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.configErr != nil {
		return e.configErr
	}
	e.targets = targets
	return nil
}

func (e *fakeEngine) dispatchCalls() []dispatchCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dispatchCall(nil), e.calls...)
}

func (e *fakeEngine) dispatchedIDs() []int64 {
	var ids []int64
	for _, c := range e.dispatchCalls() {
		ids = append(ids, c.id)
	}
	return ids
}

func (e *fakeEngine) buffersOf(id int64) []engine.StreamBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[id]
}

// finish reports every partial completion of id, signalling each release
// fence before the buffer is returned.
func (e *fakeEngine) finish(sink engine.ResultSink, id int64, partials int) {
	sink.ShutterDone(id, id*1000)
	for i := 1; i <= partials; i++ {
		sink.MetadataDone(id, i, engine.Metadata{"partial": "yes"})
	}
	e.returnBuffers(sink, id, true)
}

func (e *fakeEngine) returnBuffers(sink engine.ResultSink, id int64, signal bool) {
	for _, b := range e.buffersOf(id) {
		if signal {
			b.Fence.Signal(nil)
		}
		sink.BufferDone(id, b)
	}
}

type event struct {
	kind   string
	id     int64
	index  int
	buffer uint64
}

// recorder is a Listener that keeps every callback in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnShutter(id int64, timestamp int64) {
	r.add(event{kind: "shutter", id: id})
}

func (r *recorder) OnMetadata(id int64, partialIndex int, data engine.Metadata) {
	r.add(event{kind: "metadata", id: id, index: partialIndex})
}

func (r *recorder) OnBuffer(id int64, buf engine.StreamBuffer) {
	r.add(event{kind: "buffer", id: id, buffer: buf.BufferID})
}

func (r *recorder) OnRequestError(id int64) {
	r.add(event{kind: "error", id: id})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

// ids returns the request ids of every event of kind, in order.
func (r *recorder) ids(kind string) []int64 {
	var ids []int64
	for _, e := range r.snapshot() {
		if e.kind == kind {
			ids = append(ids, e.id)
		}
	}
	return ids
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	q   *RequestQueue
	ro  *ResultOrdering
	eng *fakeEngine
	rec *recorder
}

func newHarness(t *testing.T, opts Options, eng *fakeEngine, targets ...engine.Target) *harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if eng == nil {
		eng = newFakeEngine()
	}
	rec := &recorder{}
	ro := NewResultOrdering(opts, rec)
	q := NewRequestQueue(opts, eng, ro)

	ctx := context.Background()
	if err := ro.Start(ctx); err != nil {
		t.Fatalf("Start result ordering: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start request queue: %v", err)
	}
	t.Cleanup(func() {
		q.Stop()
		ro.Stop()
	})

	if len(targets) == 0 {
		targets = []engine.Target{{ID: "preview", MaxBuffers: 8}}
	}
	if err := q.ConfigureOutputs(ctx, targets); err != nil {
		t.Fatalf("ConfigureOutputs: %v", err)
	}
	return &harness{q: q, ro: ro, eng: eng, rec: rec}
}

func previewRequest(settings map[string]string, buffers ...uint64) SubmitRequest {
	req := SubmitRequest{Settings: settings}
	for _, b := range buffers {
		req.Outputs = append(req.Outputs, BufferRef{TargetID: "preview", BufferID: b})
	}
	return req
}

var defaultSettings = map[string]string{"exposure": "1/60"}

func (h *harness) submit(t *testing.T, buffer uint64) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := h.q.Submit(ctx, previewRequest(defaultSettings, buffer))
	if err != nil {
		t.Fatalf("Submit buffer %d: %v", buffer, err)
	}
	return id
}

type submitResult struct {
	id  int64
	err error
}

// submitAsync runs a Submit expected to block.
func (h *harness) submitAsync(buffer uint64) <-chan submitResult {
	done := make(chan submitResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := h.q.Submit(ctx, previewRequest(defaultSettings, buffer))
		done <- submitResult{id: id, err: err}
	}()
	return done
}

func (h *harness) stats(t *testing.T) QueueStats {
	t.Helper()
	s, err := h.q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	waitUntil(t, "pipeline to go idle", func() bool {
		s := h.stats(t)
		return s.InFlight == 0 && s.PoolInUse == 0 && s.Parked == 0
	})
}

func expectBlocked(t *testing.T, done <-chan submitResult) {
	t.Helper()
	select {
	case r := <-done:
		t.Fatalf("Submit should still be blocked, returned id=%d err=%v", r.id, r.err)
	case <-time.After(30 * time.Millisecond):
	}
}

func expectResult(t *testing.T, done <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return")
	}
	return submitResult{}
}
