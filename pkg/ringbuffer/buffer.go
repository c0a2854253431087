// Package ringbuffer keeps a bounded history of capture results per device.
package ringbuffer

import (
	"maps"
	"sync"

	"github.com/video-system/go-capture-core/pkg/engine"
)

// Config holds ring buffer configuration
type Config struct {
	Capacity int    // Results kept before the oldest is evicted
	DeviceID string // Device identifier
}

// Buffer is a ring of capture results keyed by request id. It implements
// capture.Listener so it can sit directly on a device's result stream.
type Buffer struct {
	cfg Config

	mu       sync.RWMutex
	results  map[int64]*Result // request id -> result
	firstSeq int64
	lastSeq  int64
	evicted  int64
	failed   int64

	onResult func(Result)
}

// Result is everything the client has received for one request
type Result struct {
	Sequence         int64          `json:"sequence"` // Request id
	ShutterTimestamp int64          `json:"shutter_timestamp,omitempty"`
	Shutter          bool           `json:"shutter"`
	Partials         []Partial      `json:"partials,omitempty"`
	Buffers          []BufferResult `json:"buffers,omitempty"`
	Failed           bool           `json:"failed"`
}

// Partial is one delivered metadata fragment
type Partial struct {
	Index int               `json:"index"`
	Data  map[string]string `json:"data,omitempty"`
}

// BufferResult is one returned buffer
type BufferResult struct {
	TargetID string `json:"target_id"`
	BufferID uint64 `json:"buffer_id"`
	Status   string `json:"status"`
}

// New creates a new ring buffer
func New(cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	return &Buffer{
		cfg:     cfg,
		results: make(map[int64]*Result, cfg.Capacity),
	}
}

// OnResult registers a callback fired when a request enters the history.
func (b *Buffer) OnResult(fn func(Result)) {
	b.onResult = fn
}

// OnShutter records the shutter of a request
func (b *Buffer) OnShutter(id int64, timestamp int64) {
	b.update(id, func(r *Result) {
		r.Shutter = true
		r.ShutterTimestamp = timestamp
	})
}

// OnMetadata records a partial result
func (b *Buffer) OnMetadata(id int64, partialIndex int, data engine.Metadata) {
	b.update(id, func(r *Result) {
		r.Partials = append(r.Partials, Partial{Index: partialIndex, Data: maps.Clone(data)})
	})
}

// OnBuffer records a returned buffer
func (b *Buffer) OnBuffer(id int64, buf engine.StreamBuffer) {
	b.update(id, func(r *Result) {
		r.Buffers = append(r.Buffers, BufferResult{
			TargetID: buf.TargetID,
			BufferID: buf.BufferID,
			Status:   buf.Status.String(),
		})
	})
}

// OnRequestError marks a request as failed
func (b *Buffer) OnRequestError(id int64) {
	b.update(id, func(r *Result) {
		if !r.Failed {
			r.Failed = true
			b.failed++
		}
	})
}

func (b *Buffer) update(id int64, fn func(*Result)) {
	b.mu.Lock()
	r, ok := b.results[id]
	if !ok {
		if id < b.firstSeq {
			// Already evicted
			b.mu.Unlock()
			return
		}
		r = &Result{Sequence: id}
		b.results[id] = r
		if b.firstSeq == 0 || id < b.firstSeq {
			b.firstSeq = id
		}
		if id > b.lastSeq {
			b.lastSeq = id
		}
		b.evict()
	}
	fn(r)
	added := r.clone()
	b.mu.Unlock()

	if !ok && b.onResult != nil {
		b.onResult(added)
	}
}

// evict drops the oldest results beyond capacity. Caller holds mu.
func (b *Buffer) evict() {
	for len(b.results) > b.cfg.Capacity {
		delete(b.results, b.firstSeq)
		b.evicted++
		for b.firstSeq++; b.firstSeq <= b.lastSeq; b.firstSeq++ {
			if _, ok := b.results[b.firstSeq]; ok {
				break
			}
		}
	}
}

// GetResult returns a copy of a result by sequence number
func (b *Buffer) GetResult(seq int64) (Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.results[seq]
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}

// GetResultsInRange returns results with from <= sequence <= to, oldest
// first. A zero bound is open.
func (b *Buffer) GetResultsInRange(from, to int64) []Result {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if from == 0 || from < b.firstSeq {
		from = b.firstSeq
	}
	if to == 0 || to > b.lastSeq {
		to = b.lastSeq
	}

	var out []Result
	for seq := from; seq <= to && seq > 0; seq++ {
		if r, ok := b.results[seq]; ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// GetStatus returns the current buffer status
func (b *Buffer) GetStatus() BufferStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var oldestTime, newestTime int64
	if r, ok := b.results[b.firstSeq]; ok {
		oldestTime = r.ShutterTimestamp
	}
	if r, ok := b.results[b.lastSeq]; ok {
		newestTime = r.ShutterTimestamp
	}

	return BufferStatus{
		Health:      float64(len(b.results)) / float64(b.cfg.Capacity),
		OldestTime:  oldestTime,
		NewestTime:  newestTime,
		ResultCount: len(b.results),
		FirstSeq:    b.firstSeq,
		LastSeq:     b.lastSeq,
		Evicted:     b.evicted,
		Failed:      b.failed,
		DeviceID:    b.cfg.DeviceID,
	}
}

func (r *Result) clone() Result {
	c := *r
	c.Partials = append([]Partial(nil), r.Partials...)
	c.Buffers = append([]BufferResult(nil), r.Buffers...)
	return c
}

// BufferStatus represents the buffer status
type BufferStatus struct {
	Health      float64 `json:"health"`
	OldestTime  int64   `json:"oldest_time"`
	NewestTime  int64   `json:"newest_time"`
	ResultCount int     `json:"result_count"`
	FirstSeq    int64   `json:"first_seq"`
	LastSeq     int64   `json:"last_seq"`
	Evicted     int64   `json:"evicted"`
	Failed      int64   `json:"failed"`
	DeviceID    string  `json:"device_id"`
}
