package capture

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/video-system/go-capture-core/internal/mailbox"
	"github.com/video-system/go-capture-core/internal/pool"
	"github.com/video-system/go-capture-core/pkg/engine"
)

// CompletionHandler is told when the result coordinator tears a request
// down. Implemented by RequestQueue. A device error is bracketed by
// DeviceErrorStarted and DeviceErrorDrained, with the failed completions of
// every in-transit request in between.
type CompletionHandler interface {
	RequestCompleted(id int64, failed bool)
	DeviceErrorStarted()
	DeviceErrorDrained()
}

type resultMsgKind int

const (
	msgRegister resultMsgKind = iota
	msgUnregister
	msgShutter
	msgMetadata
	msgBuffer
	msgDeviceError
	msgFailRequest
	msgResultStats
)

type resultMsg struct {
	kind      resultMsgKind
	id        int64
	timestamp int64
	index     int
	data      engine.Metadata
	buf       engine.StreamBuffer
	buffers   int
	stats     chan ResultStats
}

// ResultStats is a snapshot of the result coordinator
type ResultStats struct {
	InTransit      int   `json:"in_transit"`
	ShuttersSent   int64 `json:"shutters_sent"`
	PartialsSent   int64 `json:"partials_sent"`
	BuffersSent    int64 `json:"buffers_sent"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	DroppedEvents  int64 `json:"dropped_events"`
	ShutterCursor  int64 `json:"shutter_cursor"`
	LastRegistered int64 `json:"last_registered"`
}

// ResultOrdering reassembles the engine's out-of-order partial completions
// into the ordered per-request stream the Listener sees. It implements
// engine.ResultSink.
type ResultOrdering struct {
	opts        Options
	log         *slog.Logger
	inst        instruments
	listener    Listener
	completions CompletionHandler
	states      *pool.Pool[*RequestState]
	mailbox     *mailbox.Mailbox[resultMsg]

	// Owned by the run goroutine
	inTransit      map[int64]*RequestState
	lastRegistered int64
	shutterCursor  int64 // Oldest request whose shutter has not been delivered
	stats          ResultStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResultOrdering creates a result coordinator delivering to listener.
func NewResultOrdering(opts Options, listener Listener) *ResultOrdering {
	opts = opts.withDefaults()
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &ResultOrdering{
		opts:      opts,
		log:       opts.Logger,
		inst:      newInstruments(opts),
		listener:  listener,
		states:    pool.New(opts.PipelineDepth, newRequestState),
		mailbox:   mailbox.New[resultMsg](),
		inTransit: make(map[int64]*RequestState, opts.PipelineDepth),
	}
}

// SetCompletionHandler wires the request coordinator. Must be called before Start.
func (r *ResultOrdering) SetCompletionHandler(h CompletionHandler) {
	r.completions = h
}

// Start launches the worker goroutine.
func (r *ResultOrdering) Start(ctx context.Context) error {
	if r.completions == nil {
		return fmt.Errorf("result ordering: completion handler not set")
	}
	if r.ctx != nil {
		return fmt.Errorf("result ordering already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()
	return nil
}

// Stop terminates the worker goroutine. Undelivered events are dropped.
func (r *ResultOrdering) Stop() {
	if r.cancel == nil {
		return
	}
	r.mailbox.Close()
	r.cancel()
	r.wg.Wait()
}

// Register creates the in-transit state for a request.
func (r *ResultOrdering) Register(req engine.Request) {
	n := req.NumOutputs()
	if _, ok := req.Input(); ok {
		n++
	}
	r.mailbox.Post(resultMsg{kind: msgRegister, id: req.ID(), buffers: n})
}

// Unregister rolls back a registration whose dispatch failed.
func (r *ResultOrdering) Unregister(id int64) {
	r.mailbox.Post(resultMsg{kind: msgUnregister, id: id})
}

// FailRequest resolves one request with an error callback.
func (r *ResultOrdering) FailRequest(id int64) {
	r.mailbox.Post(resultMsg{kind: msgFailRequest, id: id})
}

// ShutterDone implements engine.ResultSink
func (r *ResultOrdering) ShutterDone(id int64, timestamp int64) {
	r.mailbox.Post(resultMsg{kind: msgShutter, id: id, timestamp: timestamp})
}

// MetadataDone implements engine.ResultSink
func (r *ResultOrdering) MetadataDone(id int64, partialIndex int, data engine.Metadata) {
	r.mailbox.Post(resultMsg{kind: msgMetadata, id: id, index: partialIndex, data: data})
}

// BufferDone implements engine.ResultSink
func (r *ResultOrdering) BufferDone(id int64, buf engine.StreamBuffer) {
	r.mailbox.Post(resultMsg{kind: msgBuffer, id: id, buf: buf})
}

// DeviceError implements engine.ResultSink
func (r *ResultOrdering) DeviceError() {
	r.mailbox.Post(resultMsg{kind: msgDeviceError})
}

// Stats returns a consistent snapshot taken on the worker goroutine.
func (r *ResultOrdering) Stats(ctx context.Context) (ResultStats, error) {
	reply := make(chan ResultStats, 1)
	if !r.mailbox.Post(resultMsg{kind: msgResultStats, stats: reply}) {
		return ResultStats{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return ResultStats{}, ctx.Err()
	}
}

func (r *ResultOrdering) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.mailbox.Ready():
			for _, msg := range r.mailbox.Drain() {
				r.handle(msg)
			}
		}
	}
}

func (r *ResultOrdering) handle(msg resultMsg) {
	switch msg.kind {
	case msgRegister:
		r.register(msg.id, msg.buffers)
	case msgUnregister:
		r.unregister(msg.id)
	case msgShutter:
		r.shutterDone(msg.id, msg.timestamp)
	case msgMetadata:
		r.metadataDone(msg.id, msg.index, msg.data)
	case msgBuffer:
		r.bufferDone(msg.id, msg.buf)
	case msgDeviceError:
		r.deviceError()
	case msgFailRequest:
		r.failRequest(msg.id)
	case msgResultStats:
		s := r.stats
		s.InTransit = len(r.inTransit)
		s.ShutterCursor = r.shutterCursor
		s.LastRegistered = r.lastRegistered
		msg.stats <- s
	}
}

func (r *ResultOrdering) register(id int64, buffers int) {
	if _, exists := r.inTransit[id]; exists {
		panic(fmt.Sprintf("capture: request %d registered twice", id))
	}
	st, ok := r.states.Acquire()
	if !ok {
		panic(fmt.Sprintf("capture: result state pool exhausted registering request %d", id))
	}
	st.init(id, buffers)

	if prev, ok := r.inTransit[r.lastRegistered]; ok {
		prev.nextID = id
		st.prevID = prev.id
	}
	r.lastRegistered = id
	if r.shutterCursor == 0 {
		r.shutterCursor = id
	}
	r.inTransit[id] = st
}

func (r *ResultOrdering) unregister(id int64) {
	st, ok := r.inTransit[id]
	if !ok {
		// A device error got to it first.
		return
	}
	r.remove(st)
	// The successor may have been waiting on this shutter.
	r.releaseShutters()
}

func (r *ResultOrdering) lookup(id int64, event string) (*RequestState, bool) {
	st, ok := r.inTransit[id]
	if !ok {
		r.stats.DroppedEvents++
		r.log.Warn("capture: dropping event for request not in transit", "event", event, "request", id)
	}
	return st, ok
}

func (r *ResultOrdering) shutterDone(id int64, timestamp int64) {
	st, ok := r.lookup(id, "shutter")
	if !ok {
		return
	}
	if st.shutterReceived {
		r.stats.DroppedEvents++
		r.log.Warn("capture: duplicate shutter", "request", id)
		return
	}
	st.shutterReceived = true
	st.shutterTimestamp = timestamp
	r.releaseShutters()
}

// releaseShutters walks the next-id chain from the cursor and delivers every
// shutter that has arrived, stopping at the first one still outstanding.
func (r *ResultOrdering) releaseShutters() {
	for r.shutterCursor != 0 {
		st, ok := r.inTransit[r.shutterCursor]
		if !ok {
			panic(fmt.Sprintf("capture: shutter cursor at unknown request %d", r.shutterCursor))
		}
		if !st.shutterReceived {
			return
		}
		next := st.nextID

		r.listener.OnShutter(st.id, st.shutterTimestamp)
		st.shutterDelivered = true
		r.stats.ShuttersSent++

		for _, buf := range st.pendingBuffers {
			r.deliverBuffer(st.id, buf)
		}
		clear(st.pendingBuffers)
		st.pendingBuffers = st.pendingBuffers[:0]

		r.shutterCursor = next
		r.checkComplete(st)
	}
}

func (r *ResultOrdering) metadataDone(id int64, index int, data engine.Metadata) {
	st, ok := r.lookup(id, "metadata")
	if !ok {
		return
	}
	if index < 1 || index > r.opts.PartialResultCount {
		r.stats.DroppedEvents++
		r.log.Warn("capture: partial index out of range", "request", id, "index", index, "count", r.opts.PartialResultCount)
		return
	}
	if st.hasPartial(index) {
		r.stats.DroppedEvents++
		r.log.Warn("capture: duplicate partial result", "request", id, "index", index)
		return
	}

	st.pendingMetadata = append(st.pendingMetadata, metadataFragment{index: index, data: data})
	for {
		frag, ok := st.takeNextPartial()
		if !ok {
			break
		}
		r.listener.OnMetadata(id, frag.index, frag.data)
		st.partialsReleased++
		r.stats.PartialsSent++
	}
	r.checkComplete(st)
}

func (r *ResultOrdering) bufferDone(id int64, buf engine.StreamBuffer) {
	st, ok := r.lookup(id, "buffer")
	if !ok {
		return
	}
	if st.buffersReturned >= st.buffersToReturn {
		r.stats.DroppedEvents++
		r.log.Warn("capture: more buffers returned than requested", "request", id, "buffer", buf.BufferID)
		return
	}
	st.buffersReturned++

	if !st.shutterDelivered {
		st.pendingBuffers = append(st.pendingBuffers, buf)
		return
	}
	r.deliverBuffer(id, buf)
	r.checkComplete(st)
}

func (r *ResultOrdering) deliverBuffer(id int64, buf engine.StreamBuffer) {
	r.listener.OnBuffer(id, buf)
	r.stats.BuffersSent++
}

func (r *ResultOrdering) checkComplete(st *RequestState) {
	if !st.complete(r.opts.PartialResultCount) {
		return
	}
	id := st.id
	r.remove(st)
	r.stats.Completed++
	r.inst.countCompleted(false)
	r.completions.RequestCompleted(id, false)
}

// deviceError fails every in-transit request in ascending id order.
func (r *ResultOrdering) deviceError() {
	ids := make([]int64, 0, len(r.inTransit))
	for id := range r.inTransit {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	r.log.Error("capture: device error, failing in-transit requests", "count", len(ids))
	r.completions.DeviceErrorStarted()
	for _, id := range ids {
		r.fail(r.inTransit[id])
	}
	r.lastRegistered = 0
	r.shutterCursor = 0
	r.completions.DeviceErrorDrained()
}

func (r *ResultOrdering) failRequest(id int64) {
	st, ok := r.inTransit[id]
	if !ok {
		// Already completed; its completion notice is on its way.
		return
	}
	r.fail(st)
	r.releaseShutters()
}

func (r *ResultOrdering) fail(st *RequestState) {
	id := st.id
	r.listener.OnRequestError(id)
	r.remove(st)
	r.stats.Failed++
	r.inst.countCompleted(true)
	r.completions.RequestCompleted(id, true)
}

// remove unlinks st from the next-id chain and returns it to the pool.
func (r *ResultOrdering) remove(st *RequestState) {
	if prev, ok := r.inTransit[st.prevID]; ok {
		prev.nextID = st.nextID
	}
	if next, ok := r.inTransit[st.nextID]; ok {
		next.prevID = st.prevID
	}
	if r.shutterCursor == st.id {
		r.shutterCursor = st.nextID
	}
	if r.lastRegistered == st.id {
		r.lastRegistered = st.prevID
	}

	delete(r.inTransit, st.id)
	id := st.id
	st.reset()
	if !r.states.Release(st) {
		panic(fmt.Sprintf("capture: releasing unregistered request state %d", id))
	}
}
