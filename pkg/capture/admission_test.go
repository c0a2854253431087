package capture

import (
	"testing"

	"github.com/video-system/go-capture-core/pkg/engine"
)

func TestStateForWait(t *testing.T) {
	tests := []struct {
		wait engine.WaitKind
		want AdmissionState
	}{
		{engine.WaitOneCompleted, StateWaitOneCompleted},
		{engine.WaitAllPreviousCompleted, StateWaitAllPreviousCompleted},
		{engine.WaitAllPreviousCompletedAndFencesSignaled, StateWaitAllPreviousCompletedAndFencesSignaled},
	}
	for _, tt := range tests {
		if got := stateForWait(tt.wait); got != tt.want {
			t.Errorf("stateForWait(%s) = %s, want %s", tt.wait, got, tt.want)
		}
	}
}

func TestSaturationIsLowerBound(t *testing.T) {
	p := newAdmissionPolicy()
	p.setTargets([]engine.Target{{ID: "preview", MaxBuffers: 1}})

	if got := p.dispatched(newStub(1, 1)); got != StateWaitOneCompleted {
		t.Fatalf("Saturated target should block, got %s", got)
	}

	// A stronger engine request is kept while saturated.
	if got := p.reconfigure(engine.WaitAllPreviousCompleted); got != StateWaitAllPreviousCompleted {
		t.Fatalf("Expected WAIT_ALL_PREVIOUS_COMPLETED, got %s", got)
	}

	p.completed(newStub(1, 1))
	if p.saturated() {
		t.Fatal("Target should have a free buffer after completion")
	}
	if got := p.release(); got != StateNonBlocking {
		t.Errorf("Expected NONBLOCKING after release, got %s", got)
	}
}

func TestSaturationNeedsEveryTarget(t *testing.T) {
	p := newAdmissionPolicy()
	p.setTargets([]engine.Target{
		{ID: "preview", MaxBuffers: 1},
		{ID: "still", MaxBuffers: 2},
		{ID: "reprocess", Direction: engine.DirectionInput, MaxBuffers: 1},
	})

	req := stubRequest{id: 1, outputs: []engine.StreamBuffer{{TargetID: "preview", BufferID: 1}}}
	if got := p.dispatched(req); got != StateNonBlocking {
		t.Fatalf("One full target out of two must not block, got %s", got)
	}

	both := stubRequest{id: 2, outputs: []engine.StreamBuffer{
		{TargetID: "preview", BufferID: 2},
		{TargetID: "still", BufferID: 3},
	}}
	p.dispatched(both)
	if p.state != StateNonBlocking {
		t.Fatalf("still holds 1 of 2, got %s", p.state)
	}
	if got := p.dispatched(stubRequest{id: 3, outputs: []engine.StreamBuffer{{TargetID: "still", BufferID: 4}}}); got != StateWaitOneCompleted {
		t.Fatalf("All targets full should block, got %s", got)
	}
}

func TestCanRetry(t *testing.T) {
	tests := []struct {
		state        AdmissionState
		onCompletion bool
		inFlight     int
		parked       int
		want         bool
	}{
		{StateNonBlocking, false, 3, 0, true},
		{StateWaitOneCompleted, false, 2, 0, false},
		{StateWaitOneCompleted, true, 2, 0, true},
		{StateWaitOneCompleted, false, 0, 0, true},
		{StateWaitAllPreviousCompleted, true, 1, 0, false},
		{StateWaitAllPreviousCompleted, true, 0, 3, true},
		{StateWaitAllPreviousCompletedAndFencesSignaled, true, 0, 1, false},
		{StateWaitAllPreviousCompletedAndFencesSignaled, false, 0, 0, true},
	}
	for _, tt := range tests {
		p := &admissionPolicy{state: tt.state}
		if got := p.canRetry(tt.onCompletion, tt.inFlight, tt.parked); got != tt.want {
			t.Errorf("%s canRetry(%v, %d, %d) = %v, want %v", tt.state, tt.onCompletion, tt.inFlight, tt.parked, got, tt.want)
		}
	}
}
