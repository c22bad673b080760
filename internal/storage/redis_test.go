package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statesync/internal/state"
	"statesync/pkg"
)

func newRedisOn(t *testing.T, mr *miniredis.Miniredis, opts Options) *RedisManager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	m, err := NewRedisManager(context.Background(), client, testSchema(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close(context.Background())
		client.Close()
	})
	return m
}

func newRedis(t *testing.T, opts Options) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return newRedisOn(t, mr, opts), mr
}

func TestRedisModifyWritesOnlyModifiedNodes(t *testing.T) {
	m, mr := newRedis(t, Options{})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))

	assert.True(t, mr.Exists("abc_Root"))
	assert.False(t, mr.Exists("abc_Root.Child"))
	assert.False(t, mr.Exists("abc_Root.Other"))
	assert.False(t, mr.Exists("abc_lock"), "lock is released after the scope")
	assert.Equal(t, DefaultTokenExpiration, mr.TTL("abc_Root"))

	assert.Equal(t, 1, readCount(t, m, "abc"))
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.RemoteAcquires)
	assert.Equal(t, int64(1), stats.RemoteReleases)
}

func TestRedisModifyProducesDelta(t *testing.T) {
	m, _ := newRedis(t, Options{})
	var delta pkg.Delta
	err := m.ModifyState(context.Background(), "abc_Root", func(root *state.Node) error {
		root.MustSetVar("count", 5)
		var err error
		delta, err = root.Tree().TakeDelta()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, pkg.Delta{
		"Root":       {"count": 5},
		"Root.Child": {"computed": 10},
	}, delta)
}

func TestRedisManagersShareLock(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{LockRetryInterval: 10 * time.Millisecond}
	m1 := newRedisOn(t, mr, opts)
	m2 := newRedisOn(t, mr, opts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hammer(t, m2, "abc", 10)
	}()
	hammer(t, m1, "abc", 10)
	<-done

	assert.Equal(t, 20, readCount(t, m1, "abc"))
	assert.False(t, mr.Exists("abc_lock"))
}

func TestRedisLeaseIsReused(t *testing.T) {
	m, mr := newRedis(t, Options{LeaseDuration: time.Minute})
	for i := 0; i < 5; i++ {
		require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	}

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.RemoteAcquires)
	assert.Equal(t, int64(0), stats.RemoteReleases)
	assert.Equal(t, int64(4), stats.LeaseReuses)
	assert.True(t, mr.Exists("abc_lock"), "leased lock stays held")
	assert.Equal(t, 5, readCount(t, m, "abc"))

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, int64(1), m.Stats().RemoteReleases)
	assert.False(t, mr.Exists("abc_lock"))
}

func TestRedisContentionRevokesLease(t *testing.T) {
	m, mr := newRedis(t, Options{LeaseDuration: time.Minute})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	require.True(t, mr.Exists("abc_lock"))

	mr.Publish("__keyspace@0__:abc_lock_contended", "set")

	require.Eventually(t, func() bool {
		return !mr.Exists("abc_lock")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().RemoteReleases)
}

func TestRedisWaiterGetsLockAfterLeaseIdles(t *testing.T) {
	mr := miniredis.RunT(t)
	holder := newRedisOn(t, mr, Options{LeaseDuration: 100 * time.Millisecond})
	waiter := newRedisOn(t, mr, Options{LockRetryInterval: 20 * time.Millisecond})

	require.NoError(t, holder.ModifyState(context.Background(), "abc_Root", increment))
	require.True(t, mr.Exists("abc_lock"))

	require.NoError(t, waiter.ModifyState(context.Background(), "abc_Root", increment))
	assert.Equal(t, 2, readCount(t, waiter, "abc"))
	assert.True(t, mr.Exists("abc_lock_contended"))
}

func TestRedisCommitRequiresLockIdentity(t *testing.T) {
	m, mr := newRedis(t, Options{})
	err := m.ModifyState(context.Background(), "abc_Root", func(root *state.Node) error {
		if err := increment(root); err != nil {
			return err
		}
		// another worker took over the expired lock
		return mr.Set("abc_lock", "other")
	})

	var expired *LockExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "abc", expired.Token)
	assert.False(t, mr.Exists("abc_Root"), "changes are discarded")
	v, getErr := mr.Get("abc_lock")
	require.NoError(t, getErr)
	assert.Equal(t, "other", v, "the foreign lock is not deleted")
}

func TestRedisLockTimeout(t *testing.T) {
	m, mr := newRedis(t, Options{
		LockWaitTimeout:   100 * time.Millisecond,
		LockRetryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, mr.Set("abc_lock", "foreign"))

	err := m.ModifyState(context.Background(), "abc_Root", increment)
	var timeout *LockTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, timeout.Temporary())
	assert.True(t, mr.Exists("abc_lock_contended"), "the holder was asked to release")
}

func TestRedisWaitHonoursContext(t *testing.T) {
	m, mr := newRedis(t, Options{LockRetryInterval: 20 * time.Millisecond})
	require.NoError(t, mr.Set("abc_lock", "foreign"))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := m.ModifyState(ctx, "abc_Root", increment)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestRedisRejectsWarningThresholdAtExpiration(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	defer client.Close()

	_, err := NewRedisManager(context.Background(), client, testSchema(t), Options{
		LockExpiration:       time.Second,
		LockWarningThreshold: time.Second,
	})
	var thresholdErr *InvalidLockWarningThresholdError
	assert.ErrorAs(t, err, &thresholdErr)
}

func TestRedisUnreadableValueFallsBackToDefaults(t *testing.T) {
	m, mr := newRedis(t, Options{})
	require.NoError(t, mr.Set("abc_Root", "garbage"))

	assert.Equal(t, 0, readCount(t, m, "abc"))
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	assert.Equal(t, 1, readCount(t, m, "abc"))
}

func TestRedisGetStateUnderLeaseHasEveryClass(t *testing.T) {
	m, _ := newRedis(t, Options{LeaseDuration: time.Minute})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root.Other", func(root *state.Node) error {
		return root.Substate("Other").SetVar("x", 3)
	}))

	root, err := m.GetState(context.Background(), "abc_Root")
	require.NoError(t, err)
	require.NotNil(t, root.Substate("Child"))
	require.NotNil(t, root.Substate("Other"))
	assert.Equal(t, 3, root.Substate("Other").Int("x"))
	assert.Equal(t, 0, root.Substate("Child").Get("computed"))

	assertDetached(t, m, "abc")
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	assert.Equal(t, 1, readCount(t, m, "abc"))
}

func TestRedisReadsDuringLeasedModify(t *testing.T) {
	m, _ := newRedis(t, Options{LeaseDuration: time.Minute})
	readWhileModifying(t, m, "abc", 50)
}

func TestRedisSiblingHandlerDirtiesInheritedReaders(t *testing.T) {
	m, _ := newRedis(t, Options{})
	var delta pkg.Delta
	err := m.ModifyState(context.Background(), "abc_Root.Other", func(root *state.Node) error {
		if err := root.Substate("Other").SetVar("count", 5); err != nil {
			return err
		}
		var err error
		delta, err = root.Tree().TakeDelta()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, pkg.Delta{
		"Root":       {"count": 5},
		"Root.Child": {"computed": 10},
	}, delta)
}

func TestRedisWakeOneSignalsOnlyTheOldestWaiter(t *testing.T) {
	m, _ := newRedis(t, Options{})
	first := m.addWaiter("abc_lock")
	second := m.addWaiter("abc_lock")

	m.wakeOne("abc_lock")
	assert.Len(t, first, 1)
	assert.Len(t, second, 0)
	<-first

	// Release hands the lock to the head of the queue as well.
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	assert.Len(t, first, 1)
	assert.Len(t, second, 0)
	<-first

	m.removeWaiter("abc_lock", first)
	m.wakeOne("abc_lock")
	assert.Len(t, second, 1)
	m.removeWaiter("abc_lock", second)
	m.wakeOne("abc_lock")
}

func TestRedisRejectsClassesNamedLikeLockKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })

	for _, name := range []string{"lock", "lock_contended"} {
		schema, err := state.NewSchema(state.NewClass(name, state.Var("x", 0)))
		require.NoError(t, err)
		_, err = NewRedisManager(context.Background(), client, schema, Options{})
		assert.Error(t, err, name)
	}
}

func TestRedisLazyLoadOutsideRequiredClasses(t *testing.T) {
	m, _ := newRedis(t, Options{})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root.Other", func(root *state.Node) error {
		return root.Substate("Other").SetVar("x", 7)
	}))

	err := m.ModifyState(context.Background(), "abc_Root.Child", func(root *state.Node) error {
		tr := root.Tree()
		assert.False(t, tr.Has("Root.Other"), "unrelated classes are not fetched")
		other, err := tr.Load(context.Background(), "Root.Other")
		if err != nil {
			return err
		}
		assert.Equal(t, 7, other.Int("x"))
		return nil
	})
	require.NoError(t, err)
}

func TestRedisTouchRefreshesLoadedNodes(t *testing.T) {
	m, mr := newRedis(t, Options{})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", func(root *state.Node) error {
		root.MustSetVar("count", 1)
		return root.Substate("Other").SetVar("x", 1)
	}))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root.Child", func(root *state.Node) error {
		return nil
	}))

	assert.Equal(t, DefaultTokenExpiration, mr.TTL("abc_Root"))
	assert.Equal(t, 30*time.Minute, mr.TTL("abc_Root.Other"))
}

func TestRedisKeyErrors(t *testing.T) {
	m, _ := newRedis(t, Options{})
	err := m.ModifyState(context.Background(), "abc", increment)
	assert.ErrorIs(t, err, ErrMissingStatePath)

	_, err = m.GetState(context.Background(), "abc_Root.Nope")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestRedisDeleteState(t *testing.T) {
	m, mr := newRedis(t, Options{})
	require.NoError(t, m.ModifyState(context.Background(), "abc_Root", increment))
	require.NoError(t, m.DeleteState(context.Background(), "abc"))

	assert.False(t, mr.Exists("abc_Root"))
	assert.Equal(t, 0, readCount(t, m, "abc"))
}

func TestRedisCloseRejectsNewWork(t *testing.T) {
	m, _ := newRedis(t, Options{})
	require.NoError(t, m.Close(context.Background()))

	err := m.ModifyState(context.Background(), "abc_Root", increment)
	assert.ErrorIs(t, err, ErrManagerClosed)
}
