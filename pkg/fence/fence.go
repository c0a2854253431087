// Package fence models buffer release fences as explicit promises.
//
// A Fence is resolved exactly once, by whoever last touches the buffer
// (normally the capture engine or a downstream consumer). A Set collects the
// fences of one capture request keyed by buffer id; the request may only be
// recycled once every fence in its set has been resolved.
package fence

import (
	"context"
	"errors"
	"sync"
)

// ErrAbandoned is stored in fences that were force-resolved because their
// owner gave up waiting.
var ErrAbandoned = errors.New("fence abandoned")

// Fence is a one-shot release signal for a single buffer.
type Fence struct {
	once sync.Once
	done chan struct{}
	err  error
}

// New returns an unresolved fence.
func New() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Signaled returns an already resolved fence.
func Signaled() *Fence {
	f := New()
	f.Signal(nil)
	return f
}

// Signal resolves the fence. err records a failed release; only the first
// call has any effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the fence is resolved.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// IsSignaled reports whether the fence is resolved without blocking.
func (f *Fence) IsSignaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the release error. It is only meaningful after Done.
func (f *Fence) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the fence is resolved or ctx ends.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set is the pending-release set of one request, keyed by buffer id.
// It is not safe for concurrent mutation; the fences it holds are.
type Set struct {
	fences map[uint64]*Fence
	order  []uint64
}

// NewSet creates an empty set sized for n buffers.
func NewSet(n int) *Set {
	return &Set{
		fences: make(map[uint64]*Fence, n),
		order:  make([]uint64, 0, n),
	}
}

// Add registers a fresh fence for bufferID and returns it. Adding the same
// buffer twice returns the existing fence.
func (s *Set) Add(bufferID uint64) *Fence {
	if f, ok := s.fences[bufferID]; ok {
		return f
	}
	f := New()
	s.fences[bufferID] = f
	s.order = append(s.order, bufferID)
	return f
}

// Get returns the fence for bufferID.
func (s *Set) Get(bufferID uint64) (*Fence, bool) {
	f, ok := s.fences[bufferID]
	return f, ok
}

// Len returns the number of fences in the set.
func (s *Set) Len() int {
	return len(s.order)
}

// Pending returns how many fences are still unresolved.
func (s *Set) Pending() int {
	n := 0
	for _, id := range s.order {
		if !s.fences[id].IsSignaled() {
			n++
		}
	}
	return n
}

// Resolved reports whether every fence in the set is resolved.
func (s *Set) Resolved() bool {
	return s.Pending() == 0
}

// WaitAll blocks until every fence is resolved or ctx ends.
func (s *Set) WaitAll(ctx context.Context) error {
	for _, id := range s.order {
		select {
		case <-s.fences[id].Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Abandon force-resolves every pending fence with ErrAbandoned.
func (s *Set) Abandon() int {
	n := 0
	for _, id := range s.order {
		f := s.fences[id]
		if !f.IsSignaled() {
			f.Signal(ErrAbandoned)
			n++
		}
	}
	return n
}

// Channels returns the Done channels of all fences, in insertion order.
func (s *Set) Channels() []<-chan struct{} {
	chans := make([]<-chan struct{}, 0, len(s.order))
	for _, id := range s.order {
		chans = append(chans, s.fences[id].Done())
	}
	return chans
}

// Reset empties the set for reuse.
func (s *Set) Reset() {
	clear(s.fences)
	s.order = s.order[:0]
}
