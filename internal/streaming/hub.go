package streaming

import "github.com/cascadeio/cascade/pkg/schema"

// Emitter is the fire-and-forget event sink consumed by the engine.
type Emitter interface {
	Emit(event schema.Event)
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(schema.Event) {}
