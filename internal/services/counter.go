package services

import (
	"context"
	"fmt"
	"strings"

	"statesync/internal/core"
	"statesync/internal/state"
	"statesync/pkg"
)

// Event names of the counter application
const (
	EventIncrement = "App.increment"
	EventSetStep   = "App.set_step"
	EventRepeat    = "App.repeat"
	EventReset     = "App.reset"
	EventRename    = "App.Profile.rename"

	// EventNotify is forwarded to the client, it has no handler
	EventNotify = "notify"
)

const historySize = 10

// NewCounterSchema declares the state of the sample counter application:
//
//	App          count, step, history, requests (backend), doubled
//	App.Stats    parity, label
//	App.Profile  name, greeting (reads App.Stats.parity)
func NewCounterSchema() (*state.Schema, error) {
	app := state.NewClass("App",
		state.Var("count", 0),
		state.Var("step", 1),
		state.Var("history", []string{}),
		state.Backend("requests", 0),
		state.Computed("doubled", func(s *state.Node) any {
			return s.Int("count") * 2
		}),
	)
	app.AddChild("Stats",
		state.Computed("parity", func(s *state.Node) any {
			return parity(s.Int("count"))
		}),
		state.Computed("label", func(s *state.Node) any {
			return fmt.Sprintf("%d (step %d)", s.Int("count"), s.Int("step"))
		}),
	)
	app.AddChild("Profile",
		state.Var("name", "anonymous"),
		state.Computed("greeting", func(s *state.Node) any {
			return fmt.Sprintf("Hello %s, the counter is %s", s.String("name"), s.GetState("App.Stats").String("parity"))
		}),
	)
	return state.NewSchema(app)
}

func parity(n int) string {
	if n%2 == 0 {
		return "even"
	}
	return "odd"
}

// Register adds every counter handler to p
func Register(p core.EventProcessor) error {
	handlers := map[string]core.Handler{
		EventIncrement: increment,
		EventSetStep:   setStep,
		EventRepeat:    repeat,
		EventReset:     reset,
		EventRename:    rename,
	}
	for name, h := range handlers {
		if err := p.Register(name, h); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func increment(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
	by := core.PayloadInt(payload, "by", 1)
	if err := s.SetVar("count", s.Int("count")+by*s.Int("step")); err != nil {
		return nil, err
	}
	if err := s.SetVar("requests", s.Int("requests")+1); err != nil {
		return nil, err
	}
	return nil, record(s, fmt.Sprintf("+%d", by*s.Int("step")))
}

func setStep(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
	step := core.PayloadInt(payload, "step", 0)
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %d", step)
	}
	return nil, s.SetVar("step", step)
}

// repeat queues increment "times" times; each runs in its own section.
func repeat(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
	times := core.PayloadInt(payload, "times", 1)
	events := make([]pkg.Event, 0, times)
	for i := 0; i < times; i++ {
		events = append(events, pkg.Event{Name: EventIncrement})
	}
	return events, nil
}

func reset(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
	if err := s.SetVar("count", 0); err != nil {
		return nil, err
	}
	if err := s.SetVar("history", []string{}); err != nil {
		return nil, err
	}
	return []pkg.Event{{Name: EventNotify, Payload: map[string]any{"message": "counter reset"}}}, nil
}

func rename(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
	name := strings.TrimSpace(core.PayloadString(payload, "name", ""))
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	return nil, s.SetVar("name", name)
}

// record appends entry to the bounded history of s.
func record(s *state.Node, entry string) error {
	history, _ := s.Get("history").([]string)
	next := append(append([]string(nil), history...), entry)
	if len(next) > historySize {
		next = next[len(next)-historySize:]
	}
	return s.SetVar("history", next)
}
