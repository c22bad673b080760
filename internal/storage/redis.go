package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"statesync/internal/state"
)

const (
	lockSuffix      = "_lock"
	contendedSuffix = "_lock_contended"
	keyspaceEvents  = "Kg$xe"
)

// RedisManager stores one key per state node and coordinates writers across
// processes with a per-token lock key.
type RedisManager struct {
	client     *redis.Client
	ownsClient bool
	schema     *state.Schema
	opts       Options
	log        zerolog.Logger
	db         int
	notify     bool

	mu      sync.Mutex
	tokens  map[string]*redisToken
	waiters map[string][]chan struct{}
	sub     *redis.PubSub
	subDone chan struct{}
	closed  bool

	acquires    atomic.Int64
	releases    atomic.Int64
	leaseReuses atomic.Int64
}

// redisToken is the local view of one token. Fields other than refs and the
// atomics are guarded by mu.
type redisToken struct {
	mu   tokenMutex
	refs int

	lockID   string
	lockedAt time.Time
	tree     *state.Tree

	leased    bool
	leaseGen  uint64
	leaseStop *time.Timer

	holding   atomic.Bool
	contended atomic.Bool
}

// NewRedisClient creates a client from a redis:// URL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisManager creates a new Redis-backed state manager. The client stays
// owned by the caller.
func NewRedisManager(ctx context.Context, client *redis.Client, schema *state.Schema, opts Options) (*RedisManager, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	for _, c := range schema.Classes() {
		switch c.FullName() {
		case "lock", "lock_contended":
			return nil, fmt.Errorf("state class %s collides with the lock key", c.FullName())
		}
	}
	m := &RedisManager{
		client:  client,
		schema:  schema,
		opts:    opts,
		log:     componentLogger(opts.Logger, "redis_state_manager"),
		db:      client.Options().DB,
		tokens:  make(map[string]*redisToken),
		waiters: make(map[string][]chan struct{}),
	}
	if err := client.ConfigSet(ctx, "notify-keyspace-events", keyspaceEvents).Err(); err != nil {
		m.log.Warn().Err(err).Msg("Keyspace notifications unavailable, lock waiters fall back to polling")
	} else {
		m.notify = true
	}
	return m, nil
}

// GetState reads every node of the token in one round trip without taking
// the lock. While a lease is held a copy of the leased tree is returned
// instead, completed with the classes it has not fetched yet.
func (m *RedisManager) GetState(ctx context.Context, key string) (*state.Node, error) {
	token, _, err := resolve(m.schema, key)
	if err != nil {
		return nil, err
	}
	tok, err := m.token(token)
	if err != nil {
		return nil, err
	}
	defer m.dropToken(token, tok)
	if err := tok.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer tok.mu.Unlock()

	if tok.leased && tok.tree != nil {
		if err := m.fetch(ctx, tok.tree, m.schema.Classes(), false); err != nil {
			return nil, err
		}
		return tok.tree.Clone().Root(), nil
	}
	tree := state.NewPartialTree(m.schema, token)
	if err := m.fetch(ctx, tree, m.schema.Classes(), true); err != nil {
		return nil, err
	}
	return tree.Root(), nil
}

// SetState writes the modified nodes of root's tree under the token lock
func (m *RedisManager) SetState(ctx context.Context, key string, root *state.Node) error {
	token, _, err := resolve(m.schema, key)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("state root cannot be nil")
	}
	tree := root.Tree()
	if tree.Token() != token {
		return fmt.Errorf("tree of token %s cannot be stored under %s", tree.Token(), token)
	}
	return m.locked(ctx, token, func(tok *redisToken) error {
		tok.tree = nil
		return m.commit(ctx, token, tok, tree)
	})
}

// ModifyState fetches the minimal subtree for the key's state, runs fn and
// commits the nodes fn modified. Other classes are loaded on demand through
// Tree.Load while the lock is held.
func (m *RedisManager) ModifyState(ctx context.Context, key string, fn func(root *state.Node) error) error {
	token, class, err := resolve(m.schema, key)
	if err != nil {
		return err
	}
	return m.locked(ctx, token, func(tok *redisToken) error {
		tree, fresh := tok.tree, false
		if tree == nil {
			tree, fresh = state.NewPartialTree(m.schema, token), true
		}
		if err := m.fetch(ctx, tree, m.schema.RequiredClasses(class), fresh); err != nil {
			tok.tree = nil
			return err
		}
		tree.SetLoader(func(ctx context.Context, t *state.Tree, classes []*state.Class) error {
			return m.fetch(ctx, t, classes, false)
		})
		defer tree.SetLoader(nil)
		tok.tree = tree

		if err := fn(tree.Root()); err != nil {
			tok.tree = nil
			return err
		}
		if err := ctx.Err(); err != nil {
			tok.tree = nil
			return err
		}
		if err := m.commit(ctx, token, tok, tree); err != nil {
			tok.tree = nil
			return err
		}
		return nil
	})
}

// DeleteState removes every node key of token under the token lock
func (m *RedisManager) DeleteState(ctx context.Context, token string) error {
	return m.locked(ctx, token, func(tok *redisToken) error {
		tok.tree = nil
		keys := make([]string, 0, len(m.schema.Classes()))
		for _, c := range m.schema.Classes() {
			keys = append(keys, Key(token, c.FullName()))
		}
		if err := m.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete state: %w", err)
		}
		return nil
	})
}

// Stats reports remote lock traffic and lease reuse
func (m *RedisManager) Stats() Stats {
	return Stats{
		RemoteAcquires: m.acquires.Load(),
		RemoteReleases: m.releases.Load(),
		LeaseReuses:    m.leaseReuses.Load(),
	}
}

// Close releases every held lease, stops the keyspace subscriber and closes
// the client if the manager created it.
func (m *RedisManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tokens := make(map[string]*redisToken, len(m.tokens))
	for name, tok := range m.tokens {
		tok.refs++
		tokens[name] = tok
	}
	m.mu.Unlock()

	var errs []error
	for name, tok := range tokens {
		if err := tok.mu.Lock(ctx); err != nil {
			errs = append(errs, err)
			m.dropToken(name, tok)
			continue
		}
		if tok.lockID != "" {
			m.release(ctx, name, tok)
		}
		tok.mu.Unlock()
		m.dropToken(name, tok)
	}

	m.mu.Lock()
	sub, done := m.sub, m.subDone
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close keyspace subscriber: %w", err))
		}
		<-done
	}
	if m.ownsClient {
		if err := m.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// token returns the local record of token, holding a reference the caller
// gives back with dropToken.
func (m *RedisManager) token(token string) (*redisToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	tok, ok := m.tokens[token]
	if !ok {
		tok = &redisToken{mu: newTokenMutex()}
		m.tokens[token] = tok
	}
	tok.refs++
	return tok, nil
}

func (m *RedisManager) dropToken(token string, tok *redisToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok.refs--
	if tok.refs == 0 && !tok.holding.Load() && m.tokens[token] == tok {
		delete(m.tokens, token)
	}
}

// fetch materializes the classes absent from tree with a single MGET. The
// root of a fresh tree is fetched too. Missing or unreadable values leave the
// class at its defaults.
func (m *RedisManager) fetch(ctx context.Context, tree *state.Tree, classes []*state.Class, fresh bool) error {
	var need []*state.Class
	for _, c := range classes {
		if !tree.Has(c.FullName()) || (fresh && c.Parent() == nil) {
			need = append(need, c)
		}
	}
	if len(need) == 0 {
		return nil
	}
	keys := make([]string, len(need))
	for i, c := range need {
		keys[i] = Key(tree.Token(), c.FullName())
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch state: %w", err)
	}
	stateFetchNodes.Observe(float64(len(need)))
	for i, c := range need {
		n := tree.Materialize(c)
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		if err := n.UnmarshalRecord([]byte(raw)); err != nil {
			m.log.Debug().Err(err).Str("key", keys[i]).Msg("Stored state does not match, using defaults")
		}
	}
	return nil
}

// commit writes modified nodes and refreshes the TTL of loaded ones inside
// a transaction that only succeeds while the lock key still holds our id.
func (m *RedisManager) commit(ctx context.Context, token string, tok *redisToken, tree *state.Tree) error {
	held := time.Since(tok.lockedAt)
	if held > m.opts.LockExpiration {
		return &LockExpiredError{Token: token, LockID: tok.lockID, Held: held}
	}

	type write struct {
		key  string
		data []byte
	}
	var writes []write
	var touch []string
	for _, n := range tree.Nodes() {
		key := Key(token, n.FullName())
		if !n.Modified() {
			if n.Loaded() {
				touch = append(touch, key)
			}
			continue
		}
		data, err := n.MarshalRecord()
		if err != nil {
			return err
		}
		writes = append(writes, write{key: key, data: data})
	}
	if len(writes) == 0 && len(touch) == 0 {
		return nil
	}

	lockKey := token + lockSuffix
	errLost := errors.New("lock lost")
	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, lockKey).Result()
		if errors.Is(err, redis.Nil) || (err == nil && cur != tok.lockID) {
			return errLost
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, w := range writes {
				p.Set(ctx, w.key, w.data, m.opts.TokenExpiration)
			}
			for _, key := range touch {
				p.PExpire(ctx, key, m.opts.TokenExpiration)
			}
			return nil
		})
		return err
	}, lockKey)
	switch {
	case errors.Is(err, errLost), errors.Is(err, redis.TxFailedErr):
		return &LockExpiredError{Token: token, LockID: tok.lockID, Held: time.Since(tok.lockedAt)}
	case err != nil:
		return fmt.Errorf("failed to commit state: %w", err)
	}
	for _, n := range tree.Modified() {
		n.MarkPersisted()
	}
	return nil
}
