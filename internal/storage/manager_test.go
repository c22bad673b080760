package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statesync/internal/state"
	"statesync/src/model"
)

func testSchema(t *testing.T) *state.Schema {
	t.Helper()
	root := state.NewClass("Root", state.Var("count", 0))
	root.AddChild("Child",
		state.Computed("computed", func(s *state.Node) any {
			return s.Int("count") * 2
		}),
	)
	root.AddChild("Other", state.Var("x", 0))
	schema, err := state.NewSchema(root)
	require.NoError(t, err)
	return schema
}

func increment(root *state.Node) error {
	return root.SetVar("count", root.Int("count")+1)
}

// hammer runs n concurrent increments of token's count through m.
func hammer(t *testing.T, m StateManager, token string, n int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.ModifyState(context.Background(), Key(token, "Root"), increment)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// readWhileModifying reads token's tree while n increments run and checks
// that every copy it gets is consistent with itself.
func readWhileModifying(t *testing.T, m StateManager, token string, n int) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := m.ModifyState(context.Background(), Key(token, "Root"), increment); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			root, err := m.GetState(context.Background(), Key(token, "Root"))
			require.NoError(t, err)
			assert.Equal(t, n, root.Int("count"))
			return
		default:
		}
		root, err := m.GetState(context.Background(), Key(token, "Root"))
		require.NoError(t, err)
		child := root.Substate("Child")
		require.NotNil(t, child)
		assert.Equal(t, root.Int("count")*2, child.Get("computed"))
	}
}

// assertDetached checks that changing a GetState result leaves the stored
// tree alone.
func assertDetached(t *testing.T, m StateManager, token string) {
	t.Helper()
	root, err := m.GetState(context.Background(), Key(token, "Root"))
	require.NoError(t, err)
	before := root.Int("count")
	require.NoError(t, root.SetVar("count", before+100))

	again, err := m.GetState(context.Background(), Key(token, "Root"))
	require.NoError(t, err)
	assert.Equal(t, before, again.Int("count"))
	assert.Equal(t, before*2, again.Substate("Child").Get("computed"))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key     string
		token   string
		path    string
		wantErr error
	}{
		{key: "abc_Root", token: "abc", path: "Root"},
		{key: "abc_Root.Child", token: "abc", path: "Root.Child"},
		{key: "abc_Root.my_state", token: "abc", path: "Root.my_state"},
		{key: "abc", wantErr: ErrMissingStatePath},
		{key: "abc_", wantErr: ErrMissingStatePath},
		{key: "_Root", wantErr: ErrInvalidKey},
		{key: "", wantErr: ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			token, path, err := ParseKey(tt.key)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.token, token)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.key, Key(token, path))
		})
	}
}

func TestResolveUnknownState(t *testing.T) {
	_, _, err := resolve(testSchema(t), "abc_Root.Nope")
	assert.True(t, errors.Is(err, ErrUnknownState))
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), testSchema(t), model.StateManagerConfig{Mode: "etcd"}, zerolog.Nop())
	var modeErr *InvalidStateManagerModeError
	require.ErrorAs(t, err, &modeErr)
	assert.Equal(t, "etcd", modeErr.Mode)
}

func TestNewBuildsConfiguredBackend(t *testing.T) {
	cfg := model.DefaultStateManagerConfig()
	cfg.Mode = model.ModeDisk
	cfg.DiskDir = t.TempDir()

	m, err := New(context.Background(), testSchema(t), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	assert.IsType(t, &DiskManager{}, m)
}

func TestOptionsValidateThreshold(t *testing.T) {
	opts := Options{LockExpiration: 1000, LockWarningThreshold: 1000}.withDefaults()
	var thresholdErr *InvalidLockWarningThresholdError
	assert.ErrorAs(t, opts.validate(), &thresholdErr)

	opts = Options{}.withDefaults()
	assert.NoError(t, opts.validate())
	assert.Equal(t, 2*DefaultLockExpiration, opts.LockWaitTimeout)
}

func TestTokenLocksAreDropped(t *testing.T) {
	locks := newTokenLocks()
	unlock, err := locks.lock(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, locks.size())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locks.lock(ctx, "abc")
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	assert.Equal(t, 0, locks.size())
}
