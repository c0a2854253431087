package capture

import "errors"

// Admission and lifecycle errors returned by the coordinators.
var (
	ErrPoolExhausted   = errors.New("request pool exhausted")
	ErrMissingSettings = errors.New("first request has no settings")
	ErrNoOutputs       = errors.New("request has no output buffers")
	ErrDuplicateBuffer = errors.New("buffer attached twice")
	ErrUnknownTarget   = errors.New("unknown stream target")
	ErrFlushing        = errors.New("pipeline is flushing")
	ErrDispatchFailed  = errors.New("dispatch failed")
	ErrFlushTimedOut   = errors.New("flush did not fully drain")
	ErrInvalidTargets  = errors.New("invalid stream configuration")
	ErrDeviceError     = errors.New("device error")
	ErrStopped         = errors.New("coordinator stopped")
)
