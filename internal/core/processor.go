package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"statesync/internal/state"
	"statesync/internal/storage"
	"statesync/pkg"
)

// DefaultProcessor implements the EventProcessor interface on top of a
// StateManager
type DefaultProcessor struct {
	manager  storage.StateManager
	schema   *state.Schema
	config   Config
	log      zerolog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewProcessor creates a new event processor
func NewProcessor(manager storage.StateManager, schema *state.Schema, config Config) *DefaultProcessor {
	if config.MaxChain <= 0 {
		config.MaxChain = DefaultMaxChain
	}
	return &DefaultProcessor{
		manager:  manager,
		schema:   schema,
		config:   config,
		log:      config.Logger.With().Str("component", "event_processor").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under "State.Full.Name.handler"
func (p *DefaultProcessor) Register(name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	statePath, _, ok := SplitEventName(name)
	if !ok {
		return fmt.Errorf("invalid handler name %q: expected <state>.<handler>", name)
	}
	if p.schema.Class(statePath) == nil {
		return fmt.Errorf("%w: handler %s", storage.ErrUnknownState, name)
	}

	p.mu.Lock()
	p.handlers[name] = handler
	p.mu.Unlock()
	p.log.Debug().Str("handler", name).Msg("Registered handler")
	return nil
}

// Handler retrieves a handler by event name
func (p *DefaultProcessor) Handler(name string) (Handler, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handler, exists := p.handlers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return handler, nil
}

// Process runs event and the follow-up events it triggers, one exclusive
// section each, and returns one update per section. The last update is
// marked final. Updates are also handed to the configured emitter as they
// are produced, outside the exclusive section.
func (p *DefaultProcessor) Process(ctx context.Context, event pkg.Event) ([]pkg.StateUpdate, error) {
	startTime := time.Now()
	queue := []pkg.Event{event}
	var updates []pkg.StateUpdate

	for len(queue) > 0 {
		if len(updates) >= p.config.MaxChain {
			return updates, fmt.Errorf("event %s exceeded %d chained follow-up events", event.Name, p.config.MaxChain)
		}
		current := queue[0]
		queue = queue[1:]

		update, followUps, err := p.dispatch(ctx, current)
		if err != nil {
			return updates, err
		}
		queue = append(queue, followUps...)
		update.Final = len(queue) == 0
		updates = append(updates, update)

		if p.config.Emitter != nil {
			if err := p.config.Emitter.Emit(ctx, current.Token, update); err != nil {
				return updates, fmt.Errorf("failed to emit update for %s: %w", current.Name, err)
			}
		}
	}

	p.log.Debug().
		Str("token", event.Token).
		Str("event", event.Name).
		Int("updates", len(updates)).
		Dur("took", time.Since(startTime)).
		Msg("Event processed")
	return updates, nil
}

// dispatch runs one handler inside ModifyState and splits the events it
// returned into follow-ups and client events.
func (p *DefaultProcessor) dispatch(ctx context.Context, event pkg.Event) (pkg.StateUpdate, []pkg.Event, error) {
	if event.Token == "" {
		return pkg.StateUpdate{}, nil, fmt.Errorf("event %s has no token", event.Name)
	}
	handler, err := p.Handler(event.Name)
	if err != nil {
		return pkg.StateUpdate{}, nil, err
	}
	statePath, _, _ := SplitEventName(event.Name)

	var delta pkg.Delta
	var emitted []pkg.Event
	err = p.manager.ModifyState(ctx, storage.Key(event.Token, statePath), func(root *state.Node) error {
		events, err := handler(ctx, root.Tree().State(statePath), event.Payload)
		if err != nil {
			return err
		}
		emitted = events
		delta, err = root.Tree().TakeDelta()
		return err
	})
	if err != nil {
		return pkg.StateUpdate{}, nil, fmt.Errorf("handler %s failed: %w", event.Name, err)
	}

	update := pkg.StateUpdate{Delta: delta}
	var followUps []pkg.Event
	for _, e := range emitted {
		if e.Token == "" {
			e.Token = event.Token
		}
		if _, err := p.Handler(e.Name); err == nil {
			followUps = append(followUps, e)
			continue
		}
		update.Events = append(update.Events, e)
	}
	return update, followUps, nil
}

// PayloadInt reads an integer argument from an event payload. JSON numbers
// arrive as float64.
func PayloadInt(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// PayloadString reads a string argument from an event payload
func PayloadString(payload map[string]any, key, def string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return def
}
