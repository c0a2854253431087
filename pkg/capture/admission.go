package capture

import "github.com/video-system/go-capture-core/pkg/engine"

// AdmissionState is the blocking state of the admission policy. States are
// ordered by strength: a stronger state waits for strictly more.
type AdmissionState int

const (
	StateNonBlocking AdmissionState = iota
	StateWaitOneCompleted
	StateWaitAllPreviousCompleted
	StateWaitAllPreviousCompletedAndFencesSignaled
)

func (s AdmissionState) String() string {
	switch s {
	case StateNonBlocking:
		return "NONBLOCKING"
	case StateWaitOneCompleted:
		return "WAIT_ONE_COMPLETED"
	case StateWaitAllPreviousCompleted:
		return "WAIT_ALL_PREVIOUS_COMPLETED"
	case StateWaitAllPreviousCompletedAndFencesSignaled:
		return "WAIT_ALL_PREVIOUS_COMPLETED_AND_FENCES_SIGNALED"
	}
	return "UNKNOWN"
}

// stateForWait maps the engine's reconfigure kind to a waiting state.
func stateForWait(k engine.WaitKind) AdmissionState {
	switch k {
	case engine.WaitAllPreviousCompleted:
		return StateWaitAllPreviousCompleted
	case engine.WaitAllPreviousCompletedAndFencesSignaled:
		return StateWaitAllPreviousCompletedAndFencesSignaled
	}
	return StateWaitOneCompleted
}

// atLeast applies a lower bound; it never weakens s.
func (s AdmissionState) atLeast(floor AdmissionState) AdmissionState {
	if s < floor {
		return floor
	}
	return s
}

// admissionPolicy is the state machine embedded in RequestQueue. It only
// decides; the queue owns the requests and performs the dispatches.
type admissionPolicy struct {
	state       AdmissionState
	outstanding map[string]int // Output target -> buffers held by the engine
	maxBuffers  map[string]int // Output target -> configured maximum
}

func newAdmissionPolicy() *admissionPolicy {
	return &admissionPolicy{
		outstanding: make(map[string]int),
		maxBuffers:  make(map[string]int),
	}
}

// setTargets replaces the output targets and forgets outstanding counts.
func (p *admissionPolicy) setTargets(targets []engine.Target) {
	clear(p.outstanding)
	clear(p.maxBuffers)
	for _, t := range targets {
		if t.IsInput() {
			continue
		}
		p.maxBuffers[t.ID] = t.MaxBuffers
		p.outstanding[t.ID] = 0
	}
}

// saturated reports whether every output target holds its maximum.
func (p *admissionPolicy) saturated() bool {
	if len(p.maxBuffers) == 0 {
		return false
	}
	for id, limit := range p.maxBuffers {
		if p.outstanding[id] < limit {
			return false
		}
	}
	return true
}

// dispatched records a successful dispatch and computes the new state.
// Saturation is a lower bound: it raises the state to WAIT_ONE_COMPLETED
// but never lowers a stronger state.
func (p *admissionPolicy) dispatched(req engine.Request) AdmissionState {
	for i := 0; i < req.NumOutputs(); i++ {
		if _, ok := p.maxBuffers[req.Output(i).TargetID]; ok {
			p.outstanding[req.Output(i).TargetID]++
		}
	}
	p.state = StateNonBlocking
	if p.saturated() {
		p.state = p.state.atLeast(StateWaitOneCompleted)
	}
	return p.state
}

// reconfigure records a reconfigure-required dispatch.
func (p *admissionPolicy) reconfigure(k engine.WaitKind) AdmissionState {
	p.state = stateForWait(k)
	if p.saturated() {
		p.state = p.state.atLeast(StateWaitOneCompleted)
	}
	return p.state
}

// completed releases the buffers of a dispatched request.
func (p *admissionPolicy) completed(req engine.Request) {
	for i := 0; i < req.NumOutputs(); i++ {
		id := req.Output(i).TargetID
		if n, ok := p.outstanding[id]; ok && n > 0 {
			p.outstanding[id] = n - 1
		}
	}
}

// canRetry reports whether a stashed request may be dispatched again.
func (p *admissionPolicy) canRetry(onCompletion bool, inFlight, parked int) bool {
	switch p.state {
	case StateWaitOneCompleted:
		return onCompletion || inFlight == 0
	case StateWaitAllPreviousCompleted:
		return inFlight == 0
	case StateWaitAllPreviousCompletedAndFencesSignaled:
		return inFlight == 0 && parked == 0
	}
	return true
}

// release tries to leave a saturation-only wait after a completion.
func (p *admissionPolicy) release() AdmissionState {
	if !p.saturated() {
		p.state = StateNonBlocking
	}
	return p.state
}

// resetState drops any wait. Outstanding counts are left to completions.
func (p *admissionPolicy) resetState() {
	p.state = StateNonBlocking
}
