package pkg

import (
	"context"

	"github.com/bytedance/sonic"
)

// Core boundary types shared between the state engine and its transport

// Delta maps a state full name to the vars of that state that changed.
// It encodes with sorted keys, so the wire order is deterministic.
type Delta map[string]map[string]any

// Empty reports whether the delta carries no changed values.
func (d Delta) Empty() bool {
	for _, vars := range d {
		if len(vars) > 0 {
			return false
		}
	}
	return true
}

// Merge copies every value of other into d, later values winning.
func (d Delta) Merge(other Delta) {
	for state, vars := range other {
		dst, ok := d[state]
		if !ok {
			dst = make(map[string]any, len(vars))
			d[state] = dst
		}
		for k, v := range vars {
			dst[k] = v
		}
	}
}

// Event is a named handler invocation for one client token.
// Name is "<state full name>.<handler>".
type Event struct {
	Token   string         `json:"token"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StateUpdate is what the transport delivers to a client after an event.
type StateUpdate struct {
	Delta  Delta   `json:"delta"`
	Events []Event `json:"events"`
	Final  bool    `json:"final"`
}

// JSON encodes the update with sorted map keys.
func (u StateUpdate) JSON() ([]byte, error) {
	if u.Delta == nil {
		u.Delta = Delta{}
	}
	if u.Events == nil {
		u.Events = []Event{}
	}
	return sonic.ConfigStd.Marshal(u)
}

// Emitter delivers updates to the live connection of a token. The
// connection registry behind it is owned by the transport, not the core.
type Emitter interface {
	Emit(ctx context.Context, token string, update StateUpdate) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, token string, update StateUpdate) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, token string, update StateUpdate) error {
	return f(ctx, token, update)
}
