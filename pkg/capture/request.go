package capture

import (
	"github.com/video-system/go-capture-core/pkg/engine"
	"github.com/video-system/go-capture-core/pkg/fence"
)

// BufferRef names a client buffer on a configured target
type BufferRef struct {
	TargetID string `json:"target_id"`
	BufferID uint64 `json:"buffer_id"`
}

// SubmitRequest is what a client hands to Submit
type SubmitRequest struct {
	Settings map[string]string `json:"settings,omitempty"` // Empty: reuse the previous request's settings
	Outputs  []BufferRef       `json:"outputs"`
	Input    *BufferRef        `json:"input,omitempty"`
}

// CaptureRequest is a pooled, admitted request. The coordinator owns it
// from acquisition to release; the engine and the result coordinator only
// see it through engine.Request.
type CaptureRequest struct {
	id       int64
	settings engine.Settings
	outputs  []engine.StreamBuffer
	input    engine.StreamBuffer
	hasInput bool
	fences   *fence.Set

	dispatched bool
	completed  bool
}

func newCaptureRequest() *CaptureRequest {
	return &CaptureRequest{
		outputs: make([]engine.StreamBuffer, 0, 4),
		fences:  fence.NewSet(4),
	}
}

// fill initialises a freshly acquired request and creates one release fence
// per buffer.
func (r *CaptureRequest) fill(id int64, settings engine.Settings, req SubmitRequest) {
	r.id = id
	r.settings = settings
	for _, ref := range req.Outputs {
		r.outputs = append(r.outputs, engine.StreamBuffer{
			TargetID: ref.TargetID,
			BufferID: ref.BufferID,
			Fence:    r.fences.Add(ref.BufferID),
		})
	}
	if req.Input != nil {
		r.hasInput = true
		r.input = engine.StreamBuffer{
			TargetID: req.Input.TargetID,
			BufferID: req.Input.BufferID,
			Fence:    r.fences.Add(req.Input.BufferID),
		}
	}
}

func (r *CaptureRequest) reset() {
	r.id = 0
	r.settings = engine.Settings{}
	clear(r.outputs)
	r.outputs = r.outputs[:0]
	r.input = engine.StreamBuffer{}
	r.hasInput = false
	r.fences.Reset()
	r.dispatched = false
	r.completed = false
}

// ID implements engine.Request
func (r *CaptureRequest) ID() int64 { return r.id }

// Settings implements engine.Request
func (r *CaptureRequest) Settings() engine.Settings { return r.settings }

// NumOutputs implements engine.Request
func (r *CaptureRequest) NumOutputs() int { return len(r.outputs) }

// Output implements engine.Request
func (r *CaptureRequest) Output(i int) engine.StreamBuffer { return r.outputs[i] }

// Input implements engine.Request
func (r *CaptureRequest) Input() (engine.StreamBuffer, bool) { return r.input, r.hasInput }

// OutputFencesPending reports whether any output buffer still holds an
// unresolved release fence.
func (r *CaptureRequest) OutputFencesPending() bool {
	for _, b := range r.outputs {
		if b.Fence != nil && !b.Fence.IsSignaled() {
			return true
		}
	}
	return false
}

// InputFencePending reports whether the input buffer still holds an
// unresolved release fence.
func (r *CaptureRequest) InputFencePending() bool {
	return r.hasInput && r.input.Fence != nil && !r.input.Fence.IsSignaled()
}

