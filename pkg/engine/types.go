package engine

import (
	"fmt"
	"maps"
	"sort"

	"github.com/video-system/go-capture-core/pkg/fence"
)

// Direction is the data direction of a stream target
type Direction string

const (
	DirectionOutput Direction = "output"
	DirectionInput  Direction = "input"
)

// Target describes one configured stream
type Target struct {
	ID         string    `yaml:"id" json:"id"`
	Direction  Direction `yaml:"direction" json:"direction"`     // output (default), input
	Width      int       `yaml:"width" json:"width"`             // 1920
	Height     int       `yaml:"height" json:"height"`           // 1080
	Format     string    `yaml:"format" json:"format"`           // nv12, jpeg, raw10
	MaxBuffers int       `yaml:"max_buffers" json:"max_buffers"` // Buffers the engine may hold at once
}

// IsInput reports whether the target is an input (reprocess) stream.
func (t Target) IsInput() bool {
	return t.Direction == DirectionInput
}

// Validate checks a single target.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target id is required")
	}
	if t.Direction != "" && t.Direction != DirectionOutput && t.Direction != DirectionInput {
		return fmt.Errorf("target %s: unknown direction %q", t.ID, t.Direction)
	}
	if t.MaxBuffers <= 0 {
		return fmt.Errorf("target %s: max_buffers must be positive", t.ID)
	}
	return nil
}

// BufferStatus is the completion status of a buffer
type BufferStatus int

const (
	BufferOK BufferStatus = iota
	BufferError
)

func (s BufferStatus) String() string {
	if s == BufferError {
		return "error"
	}
	return "ok"
}

// StreamBuffer is one buffer attached to a capture request
type StreamBuffer struct {
	TargetID string
	BufferID uint64
	Status   BufferStatus
	Fence    *fence.Fence // Release fence; nil means nothing to wait for
}

// Metadata is one partial result fragment
type Metadata map[string]string

// Settings is an immutable snapshot of capture settings
type Settings struct {
	values map[string]string
}

// NewSettings copies values into an immutable snapshot.
func NewSettings(values map[string]string) Settings {
	return Settings{values: maps.Clone(values)}
}

// IsEmpty reports whether the snapshot carries no values.
func (s Settings) IsEmpty() bool {
	return len(s.values) == 0
}

// Get returns one setting.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of settings.
func (s Settings) Len() int {
	return len(s.values)
}

// Keys returns the setting keys in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the settings.
func (s Settings) Map() map[string]string {
	return maps.Clone(s.values)
}
