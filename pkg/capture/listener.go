package capture

import "github.com/video-system/go-capture-core/pkg/engine"

// Listener receives the ordered completion stream of a device. All methods
// are called from the result-ordering goroutine and must not block on Submit.
type Listener interface {
	OnShutter(id int64, timestamp int64)
	OnMetadata(id int64, partialIndex int, data engine.Metadata)
	OnBuffer(id int64, buf engine.StreamBuffer)
	OnRequestError(id int64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Shutter      func(id int64, timestamp int64)
	Metadata     func(id int64, partialIndex int, data engine.Metadata)
	Buffer       func(id int64, buf engine.StreamBuffer)
	RequestError func(id int64)
}

func (f ListenerFuncs) OnShutter(id int64, timestamp int64) {
	if f.Shutter != nil {
		f.Shutter(id, timestamp)
	}
}

func (f ListenerFuncs) OnMetadata(id int64, partialIndex int, data engine.Metadata) {
	if f.Metadata != nil {
		f.Metadata(id, partialIndex, data)
	}
}

func (f ListenerFuncs) OnBuffer(id int64, buf engine.StreamBuffer) {
	if f.Buffer != nil {
		f.Buffer(id, buf)
	}
}

func (f ListenerFuncs) OnRequestError(id int64) {
	if f.RequestError != nil {
		f.RequestError(id)
	}
}

// MultiListener fans callbacks out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) OnShutter(id int64, timestamp int64) {
	for _, l := range m {
		l.OnShutter(id, timestamp)
	}
}

func (m MultiListener) OnMetadata(id int64, partialIndex int, data engine.Metadata) {
	for _, l := range m {
		l.OnMetadata(id, partialIndex, data)
	}
}

func (m MultiListener) OnBuffer(id int64, buf engine.StreamBuffer) {
	for _, l := range m {
		l.OnBuffer(id, buf)
	}
}

func (m MultiListener) OnRequestError(id int64) {
	for _, l := range m {
		l.OnRequestError(id)
	}
}
