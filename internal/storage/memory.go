package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"statesync/internal/state"
)

// MemoryManager keeps every token's tree in process memory.
//
// Mutation happens in place: a ModifyState whose callback fails keeps the
// changes it made before failing.
type MemoryManager struct {
	schema *state.Schema
	opts   Options
	log    zerolog.Logger
	locks  *tokenLocks

	mu     sync.Mutex
	trees  map[string]*memoryEntry
	closed bool

	stop chan struct{}
	done chan struct{}

	modifies atomic.Int64
}

type memoryEntry struct {
	tree    *state.Tree
	touched time.Time
}

// NewMemoryManager creates a new in-memory state manager
func NewMemoryManager(schema *state.Schema, opts Options) (*MemoryManager, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &MemoryManager{
		schema: schema,
		opts:   opts,
		log:    componentLogger(opts.Logger, "memory_state_manager"),
		locks:  newTokenLocks(),
		trees:  make(map[string]*memoryEntry),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.sweep()
	return m, nil
}

// GetState returns a copy of the token's tree, creating a default one on
// first access
func (m *MemoryManager) GetState(ctx context.Context, key string) (*state.Node, error) {
	token, _, err := resolve(m.schema, key)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()
	tree, err := m.tree(token)
	if err != nil {
		return nil, err
	}
	return tree.Clone().Root(), nil
}

// SetState replaces the token's tree with root's tree
func (m *MemoryManager) SetState(ctx context.Context, key string, root *state.Node) error {
	token, _, err := resolve(m.schema, key)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("state root cannot be nil")
	}
	unlock, err := m.locks.lock(ctx, token)
	if err != nil {
		return err
	}
	defer unlock()
	return m.store(token, root.Tree())
}

// ModifyState runs fn under the token's local mutex
func (m *MemoryManager) ModifyState(ctx context.Context, key string, fn func(root *state.Node) error) error {
	token, _, err := resolve(m.schema, key)
	if err != nil {
		return err
	}
	unlock, err := m.locks.lock(ctx, token)
	if err != nil {
		return err
	}
	defer unlock()

	tree, err := m.tree(token)
	if err != nil {
		return err
	}
	m.modifies.Add(1)
	if err := fn(tree.Root()); err != nil {
		return err
	}
	return m.store(token, tree)
}

// DeleteState removes the token's tree
func (m *MemoryManager) DeleteState(ctx context.Context, token string) error {
	unlock, err := m.locks.lock(ctx, token)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	delete(m.trees, token)
	m.mu.Unlock()
	return nil
}

// Stats reports local work only; the memory manager has no remote lock.
func (m *MemoryManager) Stats() Stats {
	return Stats{}
}

// Close stops the expiry sweep and drops every tree
func (m *MemoryManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.trees = make(map[string]*memoryEntry)
	m.mu.Unlock()

	close(m.stop)
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Debug().Int64("modifies", m.modifies.Load()).Msg("Memory state manager closed")
	return nil
}

func (m *MemoryManager) tree(token string) (*state.Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	now := time.Now()
	entry, ok := m.trees[token]
	if ok && now.Sub(entry.touched) > m.opts.TokenExpiration {
		m.log.Debug().Str("token", token).Msg("State expired, starting fresh")
		ok = false
	}
	if !ok {
		entry = &memoryEntry{tree: state.NewTree(m.schema, token)}
		m.trees[token] = entry
	}
	entry.touched = now
	return entry.tree, nil
}

func (m *MemoryManager) store(token string, tree *state.Tree) error {
	if tree.Token() != token {
		return fmt.Errorf("tree of token %s cannot be stored under %s", tree.Token(), token)
	}
	for _, n := range tree.Modified() {
		n.MarkPersisted()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.trees[token] = &memoryEntry{tree: tree, touched: time.Now()}
	return nil
}

// sweep drops trees idle for longer than the token expiration.
func (m *MemoryManager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.TokenExpiration)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for token, entry := range m.trees {
				if now.Sub(entry.touched) > m.opts.TokenExpiration {
					delete(m.trees, token)
				}
			}
			m.mu.Unlock()
		}
	}
}
