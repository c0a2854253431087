package capture

import "github.com/video-system/go-capture-core/pkg/engine"

// metadataFragment is a partial result held back until its turn
type metadataFragment struct {
	index int
	data  engine.Metadata
}

// RequestState tracks one request in transit between the engine and the
// client. Owned exclusively by the result-ordering goroutine.
type RequestState struct {
	id     int64
	nextID int64 // Request registered right after this one (0 = none yet)
	prevID int64 // Request registered right before this one (0 = none)

	shutterReceived  bool
	shutterDelivered bool
	shutterTimestamp int64

	partialsReleased int
	pendingMetadata  []metadataFragment

	buffersReturned int
	buffersToReturn int
	pendingBuffers  []engine.StreamBuffer
}

func newRequestState() *RequestState {
	return &RequestState{
		pendingMetadata: make([]metadataFragment, 0, 2),
		pendingBuffers:  make([]engine.StreamBuffer, 0, 4),
	}
}

func (s *RequestState) init(id int64, buffersToReturn int) {
	s.id = id
	s.buffersToReturn = buffersToReturn
}

func (s *RequestState) reset() {
	s.id = 0
	s.nextID = 0
	s.prevID = 0
	s.shutterReceived = false
	s.shutterDelivered = false
	s.shutterTimestamp = 0
	s.partialsReleased = 0
	clear(s.pendingMetadata)
	s.pendingMetadata = s.pendingMetadata[:0]
	s.buffersReturned = 0
	s.buffersToReturn = 0
	clear(s.pendingBuffers)
	s.pendingBuffers = s.pendingBuffers[:0]
}

// hasPartial reports whether index was already released or is waiting.
func (s *RequestState) hasPartial(index int) bool {
	if index <= s.partialsReleased {
		return true
	}
	for _, f := range s.pendingMetadata {
		if f.index == index {
			return true
		}
	}
	return false
}

// takeNextPartial removes and returns the fragment that may be released
// next, if it has arrived.
func (s *RequestState) takeNextPartial() (metadataFragment, bool) {
	want := s.partialsReleased + 1
	for i, f := range s.pendingMetadata {
		if f.index == want {
			last := len(s.pendingMetadata) - 1
			s.pendingMetadata[i] = s.pendingMetadata[last]
			s.pendingMetadata[last] = metadataFragment{}
			s.pendingMetadata = s.pendingMetadata[:last]
			return f, true
		}
	}
	return metadataFragment{}, false
}

func (s *RequestState) complete(partialCount int) bool {
	return s.shutterDelivered &&
		s.partialsReleased == partialCount &&
		s.buffersReturned == s.buffersToReturn &&
		len(s.pendingBuffers) == 0
}
