package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statesync/internal/state"
	"statesync/internal/storage"
	"statesync/pkg"
)

func newTestProcessor(t *testing.T, config Config) (*DefaultProcessor, storage.StateManager) {
	t.Helper()
	root := state.NewClass("Root", state.Var("count", 0))
	root.AddChild("Child",
		state.Computed("computed", func(s *state.Node) any {
			return s.Int("count") * 2
		}),
	)
	schema, err := state.NewSchema(root)
	require.NoError(t, err)

	manager, err := storage.NewMemoryManager(schema, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	p := NewProcessor(manager, schema, config)
	require.NoError(t, p.Register("Root.increment", func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
		return nil, s.SetVar("count", s.Int("count")+PayloadInt(payload, "by", 1))
	}))
	require.NoError(t, p.Register("Root.increment_twice", func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
		if err := s.SetVar("count", s.Int("count")+1); err != nil {
			return nil, err
		}
		return []pkg.Event{
			{Name: "Root.increment"},
			{Name: "toast", Payload: map[string]any{"msg": "done"}},
		}, nil
	}))
	require.NoError(t, p.Register("Root.loop", func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
		return []pkg.Event{{Name: "Root.loop"}}, nil
	}))
	return p, manager
}

func TestProcessSingleEvent(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	updates, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.increment", Payload: map[string]any{"by": float64(5)}})
	require.NoError(t, err)

	require.Len(t, updates, 1)
	assert.True(t, updates[0].Final)
	assert.Empty(t, updates[0].Events)
	assert.Equal(t, pkg.Delta{
		"Root":       {"count": 5},
		"Root.Child": {"computed": 10},
	}, updates[0].Delta)
}

func TestProcessRunsFollowUpsAfterSection(t *testing.T) {
	var mu sync.Mutex
	var emitted []pkg.StateUpdate
	emitter := pkg.EmitterFunc(func(ctx context.Context, token string, update pkg.StateUpdate) error {
		assert.Equal(t, "abc", token)
		mu.Lock()
		emitted = append(emitted, update)
		mu.Unlock()
		return nil
	})
	p, manager := newTestProcessor(t, Config{Emitter: emitter})

	updates, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.increment_twice"})
	require.NoError(t, err)

	require.Len(t, updates, 2)
	assert.False(t, updates[0].Final)
	assert.Equal(t, []pkg.Event{{Token: "abc", Name: "toast", Payload: map[string]any{"msg": "done"}}}, updates[0].Events)
	assert.Equal(t, 1, updates[0].Delta["Root"]["count"])
	assert.True(t, updates[1].Final)
	assert.Equal(t, 2, updates[1].Delta["Root"]["count"])
	assert.Equal(t, updates, emitted)

	root, err := manager.GetState(context.Background(), "abc_Root")
	require.NoError(t, err)
	assert.Equal(t, 2, root.Int("count"))
}

func TestProcessUnknownHandler(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	_, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.nope"})
	assert.True(t, errors.Is(err, ErrUnknownHandler))

	_, err = p.Process(context.Background(), pkg.Event{Name: "Root.increment"})
	assert.Error(t, err)
}

func TestProcessBoundsFollowUpChains(t *testing.T) {
	p, _ := newTestProcessor(t, Config{MaxChain: 5})
	updates, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.loop"})
	assert.Error(t, err)
	assert.Len(t, updates, 5)
}

func TestProcessHandlerErrorIsWrapped(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	boom := errors.New("boom")
	require.NoError(t, p.Register("Root.Child.fail", func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) {
		assert.Equal(t, "Root.Child", s.FullName())
		return nil, boom
	}))

	_, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.Child.fail"})
	assert.ErrorIs(t, err, boom)
}

func TestProcessConcurrentEventsSerialise(t *testing.T) {
	p, manager := newTestProcessor(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: "Root.increment"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	root, err := manager.GetState(context.Background(), "abc_Root")
	require.NoError(t, err)
	assert.Equal(t, 20, root.Int("count"))
}

func TestRegisterValidation(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	noop := func(ctx context.Context, s *state.Node, payload map[string]any) ([]pkg.Event, error) { return nil, nil }

	assert.Error(t, p.Register("Root.increment", nil))
	assert.Error(t, p.Register("increment", noop))
	assert.Error(t, p.Register("Root.", noop))
	assert.ErrorIs(t, p.Register("Root.Missing.go", noop), storage.ErrUnknownState)
}

func TestSplitEventName(t *testing.T) {
	statePath, handler, ok := SplitEventName("Root.Child.rename")
	require.True(t, ok)
	assert.Equal(t, "Root.Child", statePath)
	assert.Equal(t, "rename", handler)

	_, _, ok = SplitEventName(".go")
	assert.False(t, ok)
}

func TestPayloadArgs(t *testing.T) {
	payload := map[string]any{"n": float64(3), "m": 4, "name": "x"}
	assert.Equal(t, 3, PayloadInt(payload, "n", 0))
	assert.Equal(t, 4, PayloadInt(payload, "m", 0))
	assert.Equal(t, 7, PayloadInt(payload, "missing", 7))
	assert.Equal(t, "x", PayloadString(payload, "name", ""))
	assert.Equal(t, "d", PayloadString(payload, "n", "d"))
}
