package core

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"statesync/internal/state"
	"statesync/pkg"
)

// ErrUnknownHandler is returned for an event no handler is registered for
var ErrUnknownHandler = errors.New("unknown event handler")

// Handler mutates the state an event is addressed to. It runs inside the
// token's exclusive section with s set to that state's node. Returned events
// naming a registered handler run after the section ends; any other event is
// forwarded to the client.
type Handler func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error)

// EventProcessor turns client events into state updates
type EventProcessor interface {
	Process(ctx context.Context, event pkg.Event) ([]pkg.StateUpdate, error)
	Register(name string, handler Handler) error
	Handler(name string) (Handler, error)
}

// Config holds configuration for the event processor
type Config struct {
	// MaxChain bounds how many follow-up events one client event may trigger
	MaxChain int
	// Emitter receives every update as soon as it is produced. Optional.
	Emitter pkg.Emitter
	Logger  zerolog.Logger
}

const DefaultMaxChain = 64

// SplitEventName splits "Root.Child.handler" into the state full name and
// the handler name.
func SplitEventName(name string) (statePath, handler string, ok bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
