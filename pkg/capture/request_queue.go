package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/video-system/go-capture-core/internal/mailbox"
	"github.com/video-system/go-capture-core/internal/pool"
	"github.com/video-system/go-capture-core/pkg/engine"
)

// ResultRegistry is the part of the result coordinator the request queue
// drives. Implemented by ResultOrdering.
type ResultRegistry interface {
	Register(req engine.Request)
	Unregister(id int64)
	FailRequest(id int64)
}

type queueMsgKind int

const (
	qmSubmit queueMsgKind = iota
	qmCompleted
	qmFencesSignaled
	qmDrain
	qmFlushTimeout
	qmDeviceErrorStarted
	qmDeviceErrorDrained
	qmStats
)

type queueMsg struct {
	kind   queueMsgKind
	id     int64
	failed bool
	gen    int
	submit *submitCall
	drain  *drainCall
	stats  chan QueueStats
}

type submitReply struct {
	id  int64
	err error
}

type submitCall struct {
	req     SubmitRequest
	id      int64
	request *CaptureRequest
	reply   chan submitReply
}

// drainCall is a flush, optionally followed by work run on the worker once
// the pipeline is empty.
type drainCall struct {
	apply func() error
	reply chan error
}

// QueueStats is a snapshot of the request coordinator
type QueueStats struct {
	State        string `json:"state"`
	InFlight     int    `json:"in_flight"`
	Parked       int    `json:"parked"`
	Waiting      int    `json:"waiting"`
	Pending      bool   `json:"pending"`
	Held         bool   `json:"held"`
	Flushing     bool   `json:"flushing"`
	PoolInUse    int    `json:"pool_in_use"`
	PoolCapacity int    `json:"pool_capacity"`
	Accepted     int64  `json:"accepted"`
	Rejected     int64  `json:"rejected"`
	LastID       int64  `json:"last_id"`
}

// RequestQueue admits client requests into the engine. It owns the request
// pool, runs the admission policy and recycles requests once the result
// coordinator has torn them down and their release fences have resolved.
type RequestQueue struct {
	opts     Options
	log      *slog.Logger
	inst     instruments
	engine   engine.Engine
	results  ResultRegistry
	requests *pool.Pool[*CaptureRequest]
	mailbox  *mailbox.Mailbox[queueMsg]

	// Owned by the run goroutine
	policy       *admissionPolicy
	targets      map[string]engine.Target
	lastID       int64
	lastSettings engine.Settings
	inFlight     int
	active       map[int64]*CaptureRequest
	parked       []*CaptureRequest // Completed, release fences outstanding
	pending      *submitCall       // Stashed by a reconfigure result
	held         *submitCall       // Dispatched while saturated, reply withheld
	waiting      []*submitCall
	flushing     bool
	recovering   bool // Between DeviceErrorStarted and DeviceErrorDrained
	drains       []*drainCall
	flushGen     int
	flushTimer   *time.Timer
	accepted     int64
	rejected     int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRequestQueue creates a request coordinator feeding eng. If results is a
// *ResultOrdering, the queue registers itself as its completion handler.
func NewRequestQueue(opts Options, eng engine.Engine, results ResultRegistry) *RequestQueue {
	opts = opts.withDefaults()
	q := &RequestQueue{
		opts:     opts,
		log:      opts.Logger,
		inst:     newInstruments(opts),
		engine:   eng,
		results:  results,
		requests: pool.New(opts.PipelineDepth, newCaptureRequest),
		mailbox:  mailbox.New[queueMsg](),
		policy:   newAdmissionPolicy(),
		targets:  make(map[string]engine.Target),
		active:   make(map[int64]*CaptureRequest, opts.PipelineDepth),
	}
	if ro, ok := results.(*ResultOrdering); ok {
		ro.SetCompletionHandler(q)
	}
	return q
}

// Start launches the worker goroutine.
func (q *RequestQueue) Start(ctx context.Context) error {
	if q.ctx != nil {
		return fmt.Errorf("request queue already started")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.run()
	return nil
}

// Stop terminates the worker goroutine. Callers still waiting get ErrStopped.
func (q *RequestQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.mailbox.Close()
	q.cancel()
	q.wg.Wait()
}

// Submit admits one request and returns its id. It blocks while the
// admission policy holds the pipeline.
func (q *RequestQueue) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	ctx, span := q.inst.tracer.Start(ctx, "capture.Submit",
		trace.WithAttributes(q.inst.attrs...),
		trace.WithAttributes(attribute.Int("capture.outputs", len(req.Outputs))))
	defer span.End()

	call := &submitCall{req: req, reply: make(chan submitReply, 1)}
	if !q.mailbox.Post(queueMsg{kind: qmSubmit, submit: call}) {
		return 0, ErrStopped
	}

	select {
	case r := <-call.reply:
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			return 0, r.err
		}
		span.SetAttributes(attribute.Int64("capture.request_id", r.id))
		return r.id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestCompleted implements CompletionHandler
func (q *RequestQueue) RequestCompleted(id int64, failed bool) {
	q.mailbox.Post(queueMsg{kind: qmCompleted, id: id, failed: failed})
}

// DeviceErrorStarted implements CompletionHandler
func (q *RequestQueue) DeviceErrorStarted() {
	q.mailbox.Post(queueMsg{kind: qmDeviceErrorStarted})
}

// DeviceErrorDrained implements CompletionHandler
func (q *RequestQueue) DeviceErrorDrained() {
	q.mailbox.Post(queueMsg{kind: qmDeviceErrorDrained})
}

// Flush asks the engine to expedite its work and waits until every admitted
// request has completed and released its buffers. Requests queued or stashed
// at that point are rejected with ErrFlushing. If the pipeline does not
// drain within the flush timeout the outstanding requests are failed and
// ErrFlushTimedOut is returned.
func (q *RequestQueue) Flush(ctx context.Context) error {
	return q.drainAndRun(ctx, "capture.Flush", nil)
}

// ConfigureOutputs drains the pipeline and replaces the stream targets.
func (q *RequestQueue) ConfigureOutputs(ctx context.Context, targets []engine.Target) error {
	if err := validateTargets(targets); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTargets, err)
	}
	targets = slices.Clone(targets)
	for i := range targets {
		if targets[i].Direction == "" {
			targets[i].Direction = engine.DirectionOutput
		}
	}

	return q.drainAndRun(ctx, "capture.ConfigureOutputs", func() error {
		if err := q.engine.ConfigureOutputs(ctx, targets); err != nil {
			return fmt.Errorf("configure engine: %w", err)
		}
		clear(q.targets)
		for _, t := range targets {
			q.targets[t.ID] = t
		}
		q.policy.setTargets(targets)
		q.log.Info("capture: stream targets configured", "targets", len(targets))
		return nil
	})
}

// Stats returns a consistent snapshot taken on the worker goroutine.
func (q *RequestQueue) Stats(ctx context.Context) (QueueStats, error) {
	reply := make(chan QueueStats, 1)
	if !q.mailbox.Post(queueMsg{kind: qmStats, stats: reply}) {
		return QueueStats{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return QueueStats{}, ctx.Err()
	}
}

func (q *RequestQueue) drainAndRun(ctx context.Context, name string, apply func() error) error {
	ctx, span := q.inst.tracer.Start(ctx, name, trace.WithAttributes(q.inst.attrs...))
	defer span.End()

	call := &drainCall{apply: apply, reply: make(chan error, 1)}
	if !q.mailbox.Post(queueMsg{kind: qmDrain, drain: call}) {
		return ErrStopped
	}
	if err := q.engine.Flush(ctx); err != nil {
		q.log.Warn("capture: engine flush failed", "error", err)
	}

	select {
	case err := <-call.reply:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateTargets(targets []engine.Target) error {
	if len(targets) == 0 {
		return errors.New("no targets")
	}
	seen := make(map[string]bool, len(targets))
	inputs, outputs := 0, 0
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target %q", t.ID)
		}
		seen[t.ID] = true
		if t.IsInput() {
			inputs++
		} else {
			outputs++
		}
	}
	if inputs > 1 {
		return fmt.Errorf("%d input targets, at most one allowed", inputs)
	}
	if outputs == 0 {
		return errors.New("no output targets")
	}
	return nil
}

func (q *RequestQueue) run() {
	defer q.wg.Done()
	defer q.abort()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.mailbox.Ready():
			for _, msg := range q.mailbox.Drain() {
				q.handle(msg)
			}
		}
	}
}

func (q *RequestQueue) handle(msg queueMsg) {
	switch msg.kind {
	case qmSubmit:
		q.onSubmit(msg.submit)
	case qmCompleted:
		q.onCompleted(msg.id, msg.failed)
	case qmFencesSignaled:
		// Parked requests are swept by advance.
	case qmDrain:
		q.onDrain(msg.drain)
	case qmFlushTimeout:
		q.onFlushTimeout(msg.gen)
	case qmDeviceErrorStarted:
		q.recovering = true
	case qmDeviceErrorDrained:
		q.recovering = false
		q.policy.resetState()
		q.log.Info("capture: device error drained, admission reset")
	case qmStats:
		msg.stats <- q.snapshot()
		return
	}
	q.advance(msg.kind == qmCompleted)
}

func (q *RequestQueue) snapshot() QueueStats {
	return QueueStats{
		State:        q.policy.state.String(),
		InFlight:     q.inFlight,
		Parked:       len(q.parked),
		Waiting:      len(q.waiting),
		Pending:      q.pending != nil,
		Held:         q.held != nil,
		Flushing:     q.flushing,
		PoolInUse:    q.requests.InUse(),
		PoolCapacity: q.requests.Capacity(),
		Accepted:     q.accepted,
		Rejected:     q.rejected,
		LastID:       q.lastID,
	}
}

func (q *RequestQueue) reply(call *submitCall, id int64, err error) {
	outcome := "accepted"
	if err != nil {
		q.rejected++
		switch {
		case errors.Is(err, ErrPoolExhausted):
			outcome = "exhausted"
		case errors.Is(err, ErrFlushing):
			outcome = "flushing"
		default:
			outcome = "rejected"
		}
	} else {
		q.accepted++
	}
	q.inst.countSubmit(context.Background(), outcome)
	call.reply <- submitReply{id: id, err: err}
}

func (q *RequestQueue) onSubmit(call *submitCall) {
	if q.flushing {
		q.reply(call, 0, ErrFlushing)
		return
	}
	if q.pending != nil || q.held != nil || len(q.waiting) > 0 {
		q.waiting = append(q.waiting, call)
		return
	}
	q.admit(call)
}

// admit validates call, binds it to a pooled request and dispatches it.
func (q *RequestQueue) admit(call *submitCall) {
	settings, err := q.validate(call.req)
	if err != nil {
		q.reply(call, 0, err)
		return
	}
	cr, ok := q.requests.Acquire()
	if !ok {
		q.reply(call, 0, ErrPoolExhausted)
		return
	}

	q.lastID++
	cr.fill(q.lastID, settings, call.req)
	q.lastSettings = settings
	q.active[cr.id] = cr
	call.id = cr.id
	call.request = cr

	q.results.Register(cr)
	q.dispatch(call)
}

func (q *RequestQueue) validate(req SubmitRequest) (engine.Settings, error) {
	if len(req.Outputs) == 0 {
		return engine.Settings{}, ErrNoOutputs
	}
	seen := make(map[uint64]bool, len(req.Outputs)+1)
	for _, ref := range req.Outputs {
		t, ok := q.targets[ref.TargetID]
		if !ok || t.IsInput() {
			return engine.Settings{}, fmt.Errorf("%w: output %q", ErrUnknownTarget, ref.TargetID)
		}
		if seen[ref.BufferID] {
			return engine.Settings{}, fmt.Errorf("%w: %d", ErrDuplicateBuffer, ref.BufferID)
		}
		seen[ref.BufferID] = true
	}
	if in := req.Input; in != nil {
		t, ok := q.targets[in.TargetID]
		if !ok || !t.IsInput() {
			return engine.Settings{}, fmt.Errorf("%w: input %q", ErrUnknownTarget, in.TargetID)
		}
		if seen[in.BufferID] {
			return engine.Settings{}, fmt.Errorf("%w: %d", ErrDuplicateBuffer, in.BufferID)
		}
	}

	if len(req.Settings) > 0 {
		return engine.NewSettings(req.Settings), nil
	}
	if q.lastSettings.IsEmpty() {
		return engine.Settings{}, ErrMissingSettings
	}
	return q.lastSettings, nil
}

func (q *RequestQueue) dispatch(call *submitCall) {
	cr := call.request
	res := q.engine.Dispatch(cr, q.inFlight)

	switch res.Status {
	case engine.DispatchOK:
		cr.dispatched = true
		q.inFlight++
		if state := q.policy.dispatched(cr); state != StateNonBlocking {
			q.held = call
			q.log.Debug("capture: targets saturated, holding submit", "request", cr.id, "state", state)
			return
		}
		q.reply(call, cr.id, nil)

	case engine.DispatchReconfigure:
		state := q.policy.reconfigure(res.Wait)
		q.pending = call
		q.log.Debug("capture: engine asked to wait", "request", cr.id, "state", state)

	default:
		cause := res.Err
		if cause == nil {
			cause = errors.New("engine gave no reason")
		}
		q.log.Warn("capture: dispatch failed", "request", cr.id, "error", cause)
		q.results.Unregister(cr.id)
		q.release(cr)
		q.reply(call, 0, fmt.Errorf("%w: %w", ErrDispatchFailed, cause))
	}
}

func (q *RequestQueue) onCompleted(id int64, failed bool) {
	cr, ok := q.active[id]
	if !ok || cr.completed {
		q.log.Warn("capture: completion for unknown request", "request", id)
		return
	}
	cr.completed = true

	if p := q.pending; p != nil && p.request == cr {
		// The engine never saw it; a device error resolved it.
		q.pending = nil
		q.release(cr)
		q.reply(p, 0, ErrDeviceError)
		return
	}
	if cr.dispatched {
		q.inFlight--
		q.policy.completed(cr)
	}
	if failed {
		cr.fences.Abandon()
	}
	q.recycle(cr)
}

// recycle returns cr to the pool once its release fences have resolved.
func (q *RequestQueue) recycle(cr *CaptureRequest) {
	if cr.fences.Resolved() {
		q.release(cr)
		return
	}
	q.parked = append(q.parked, cr)
	q.log.Debug("capture: parking request on release fences", "request", cr.id,
		"outputs_pending", cr.OutputFencesPending(), "input_pending", cr.InputFencePending())
	q.watchFences(cr)
	if len(q.parked) >= max(1, q.opts.PipelineDepth-2) {
		q.waitOldestParked()
	}
}

func (q *RequestQueue) watchFences(cr *CaptureRequest) {
	id := cr.id
	chans := cr.fences.Channels()
	go func() {
		for _, ch := range chans {
			select {
			case <-ch:
			case <-q.ctx.Done():
				return
			}
		}
		q.mailbox.Post(queueMsg{kind: qmFencesSignaled, id: id})
	}()
}

// waitOldestParked blocks the worker on the oldest parked request's fences,
// bounded by the fence timeout, and abandons whatever is left.
func (q *RequestQueue) waitOldestParked() {
	cr := q.parked[0]
	q.parked = slices.Delete(q.parked, 0, 1)

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.FenceTimeout)
	err := cr.fences.WaitAll(ctx)
	cancel()
	if err != nil {
		outputs, input := cr.OutputFencesPending(), cr.InputFencePending()
		n := cr.fences.Abandon()
		q.log.Warn("capture: release fences timed out", "request", cr.id, "abandoned", n,
			"outputs_pending", outputs, "input_pending", input)
	}
	q.release(cr)
}

func (q *RequestQueue) sweepParked() {
	q.parked = slices.DeleteFunc(q.parked, func(cr *CaptureRequest) bool {
		if !cr.fences.Resolved() {
			return false
		}
		q.release(cr)
		return true
	})
}

func (q *RequestQueue) release(cr *CaptureRequest) {
	id := cr.id
	cr.fences.Abandon()
	delete(q.active, id)
	cr.reset()
	if !q.requests.Release(cr) {
		panic(fmt.Sprintf("capture: releasing request %d not checked out", id))
	}
}

// advance moves the pipeline forward after any state change: it retries the
// stashed request, releases a held submit and admits queued submits.
func (q *RequestQueue) advance(onCompletion bool) {
	q.sweepParked()

	// The stashed request is failed along with the rest of a device error,
	// so it must not reach the engine before the error has drained.
	if q.pending != nil && !q.recovering {
		fenced := q.policy.state == StateWaitAllPreviousCompletedAndFencesSignaled
		for fenced && q.inFlight == 0 && len(q.parked) > 0 {
			q.waitOldestParked()
		}
		if q.policy.canRetry(onCompletion, q.inFlight, len(q.parked)) {
			call := q.pending
			q.pending = nil
			q.dispatch(call)
		}
	}

	if q.held != nil && q.policy.release() == StateNonBlocking {
		call := q.held
		q.held = nil
		q.reply(call, call.id, nil)
	}

	for !q.flushing && !q.recovering && q.pending == nil && q.held == nil && len(q.waiting) > 0 {
		call := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		q.admit(call)
	}

	q.checkDrain()
}

func (q *RequestQueue) onDrain(call *drainCall) {
	q.drains = append(q.drains, call)
	if q.flushing {
		return
	}
	q.flushing = true

	for _, w := range q.waiting {
		q.reply(w, 0, ErrFlushing)
	}
	clear(q.waiting)
	q.waiting = q.waiting[:0]

	if p := q.pending; p != nil {
		q.pending = nil
		q.results.Unregister(p.id)
		q.release(p.request)
		q.policy.resetState()
		q.reply(p, 0, ErrFlushing)
	}

	gen := q.flushGen
	q.flushTimer = time.AfterFunc(q.opts.FlushTimeout, func() {
		q.mailbox.Post(queueMsg{kind: qmFlushTimeout, gen: gen})
	})
	q.log.Debug("capture: flushing", "in_flight", q.inFlight, "parked", len(q.parked))
}

func (q *RequestQueue) checkDrain() {
	if len(q.drains) == 0 || q.inFlight > 0 || len(q.parked) > 0 {
		return
	}
	q.finishDrain(nil)
}

func (q *RequestQueue) onFlushTimeout(gen int) {
	if gen != q.flushGen || len(q.drains) == 0 {
		return
	}

	var ids []int64
	for id, cr := range q.active {
		if cr.dispatched && !cr.completed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		q.results.FailRequest(id)
	}
	for _, cr := range q.parked {
		q.release(cr)
	}
	clear(q.parked)
	q.parked = q.parked[:0]

	q.log.Warn("capture: flush timed out", "outstanding", len(ids), "timeout", q.opts.FlushTimeout)
	q.finishDrain(ErrFlushTimedOut)
}

func (q *RequestQueue) finishDrain(timeout error) {
	drains := q.drains
	q.drains = nil
	q.flushing = false
	q.flushGen++
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}

	for _, d := range drains {
		err := timeout
		if err == nil && d.apply != nil {
			err = d.apply()
		}
		d.reply <- err
	}
}

// abort answers every caller still waiting once the worker has exited.
func (q *RequestQueue) abort() {
	q.mailbox.Close()
	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}
	calls := q.waiting
	if q.pending != nil {
		calls = append(calls, q.pending)
	}
	if q.held != nil {
		calls = append(calls, q.held)
	}
	for _, c := range calls {
		c.reply <- submitReply{err: ErrStopped}
	}
	for _, d := range q.drains {
		d.reply <- ErrStopped
	}

	for _, msg := range q.mailbox.Drain() {
		switch msg.kind {
		case qmSubmit:
			msg.submit.reply <- submitReply{err: ErrStopped}
		case qmDrain:
			msg.drain.reply <- ErrStopped
		case qmStats:
			msg.stats <- q.snapshot()
		}
	}
}
