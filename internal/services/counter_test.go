package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statesync/internal/core"
	"statesync/internal/storage"
	"statesync/pkg"
)

func newCounter(t *testing.T) (*core.DefaultProcessor, storage.StateManager) {
	t.Helper()
	schema, err := NewCounterSchema()
	require.NoError(t, err)
	manager, err := storage.NewMemoryManager(schema, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	p := core.NewProcessor(manager, schema, core.Config{})
	require.NoError(t, Register(p))
	return p, manager
}

func process(t *testing.T, p *core.DefaultProcessor, name string, payload map[string]any) []pkg.StateUpdate {
	t.Helper()
	updates, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: name, Payload: payload})
	require.NoError(t, err)
	return updates
}

func TestIncrementDeltaReachesEveryReader(t *testing.T) {
	p, _ := newCounter(t)
	updates := process(t, p, EventIncrement, nil)
	require.Len(t, updates, 1)

	assert.Equal(t, pkg.Delta{
		"App":         {"count": 1, "doubled": 2, "history": []string{"+1"}},
		"App.Stats":   {"label": "1 (step 1)", "parity": "odd"},
		"App.Profile": {"greeting": "Hello anonymous, the counter is odd"},
	}, updates[0].Delta)
}

func TestStepScalesIncrements(t *testing.T) {
	p, manager := newCounter(t)
	process(t, p, EventSetStep, map[string]any{"step": 3})
	updates := process(t, p, EventIncrement, map[string]any{"by": float64(2)})

	assert.Equal(t, 6, updates[0].Delta["App"]["count"])
	assert.Equal(t, "6 (step 3)", updates[0].Delta["App.Stats"]["label"])
	assert.NotContains(t, updates[0].Delta["App"], "requests", "backend vars stay off the wire")

	root, err := manager.GetState(context.Background(), "abc_App")
	require.NoError(t, err)
	assert.Equal(t, 1, root.Int("requests"))

	_, err = p.Process(context.Background(), pkg.Event{Token: "abc", Name: EventSetStep, Payload: map[string]any{"step": 0}})
	assert.Error(t, err)
}

func TestRepeatChainsIncrements(t *testing.T) {
	p, manager := newCounter(t)
	updates := process(t, p, EventRepeat, map[string]any{"times": 3})

	require.Len(t, updates, 4)
	assert.Empty(t, updates[0].Delta)
	for _, u := range updates[:3] {
		assert.False(t, u.Final)
	}
	assert.True(t, updates[3].Final)
	assert.Equal(t, 3, updates[3].Delta["App"]["count"])

	root, err := manager.GetState(context.Background(), "abc_App")
	require.NoError(t, err)
	assert.Equal(t, []string{"+1", "+1", "+1"}, root.Get("history"))
}

func TestResetForwardsNotification(t *testing.T) {
	p, _ := newCounter(t)
	process(t, p, EventIncrement, nil)
	updates := process(t, p, EventReset, nil)

	require.Len(t, updates, 1)
	assert.Equal(t, []pkg.Event{{Token: "abc", Name: EventNotify, Payload: map[string]any{"message": "counter reset"}}}, updates[0].Events)
	assert.Equal(t, 0, updates[0].Delta["App"]["count"])
	assert.Equal(t, "even", updates[0].Delta["App.Stats"]["parity"])
}

func TestRenameOnlyTouchesProfile(t *testing.T) {
	p, _ := newCounter(t)
	updates := process(t, p, EventRename, map[string]any{"name": " Ada "})

	assert.Equal(t, pkg.Delta{
		"App.Profile": {"name": "Ada", "greeting": "Hello Ada, the counter is even"},
	}, updates[0].Delta)

	_, err := p.Process(context.Background(), pkg.Event{Token: "abc", Name: EventRename, Payload: map[string]any{"name": "  "}})
	assert.Error(t, err)
}

func TestHistoryIsBounded(t *testing.T) {
	p, manager := newCounter(t)
	for i := 0; i < historySize+5; i++ {
		process(t, p, EventIncrement, nil)
	}
	root, err := manager.GetState(context.Background(), "abc_App")
	require.NoError(t, err)
	assert.Len(t, root.Get("history"), historySize)
}
