package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"statesync/internal/state"
)

const stateFileExt = ".state"

// DiskManager caches trees in memory and writes each node to its own file.
// Writes are queued per token and coalesced; a background loop flushes items
// once they have been quiet for the debounce window and purges files that
// outlived the token expiration.
type DiskManager struct {
	schema *state.Schema
	opts   Options
	log    zerolog.Logger
	dir    string
	locks  *tokenLocks

	mu     sync.Mutex
	trees  map[string]*memoryEntry
	queue  map[string]*pendingWrite
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	flushes atomic.Int64
}

// pendingWrite holds serialized nodes of one token awaiting a flush.
type pendingWrite struct {
	nodes  map[string][]byte
	queued time.Time
}

// NewDiskManager creates a new file-backed state manager under opts.Dir
func NewDiskManager(schema *state.Schema, opts Options) (*DiskManager, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	m := &DiskManager{
		schema: schema,
		opts:   opts,
		log:    componentLogger(opts.Logger, "disk_state_manager"),
		dir:    opts.Dir,
		locks:  newTokenLocks(),
		trees:  make(map[string]*memoryEntry),
		queue:  make(map[string]*pendingWrite),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// GetState returns a copy of the cached tree, loading it from disk first
// when needed
func (m *DiskManager) GetState(ctx context.Context, key string) (*state.Node, error) {
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

// SetState queues the modified nodes of root's tree for writing
func (m *DiskManager) SetState(ctx context.Context, key string, root *state.Node) error {
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
	return m.enqueue(ctx, token, root.Tree())
}

// ModifyState runs fn under the token's local mutex. When fn fails or ctx is
// cancelled the cached tree is evicted, so the next access reloads it from
// disk and the pending queue.
func (m *DiskManager) ModifyState(ctx context.Context, key string, fn func(root *state.Node) error) error {
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
	if err := fn(tree.Root()); err != nil {
		m.evict(token)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.evict(token)
		return err
	}
	return m.enqueue(ctx, token, tree)
}

// DeleteState removes the cached tree, pending writes and files of token
func (m *DiskManager) DeleteState(ctx context.Context, token string) error {
	unlock, err := m.locks.lock(ctx, token)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	delete(m.trees, token)
	delete(m.queue, token)
	m.mu.Unlock()

	for _, c := range m.schema.Classes() {
		if err := os.Remove(m.path(token, c.FullName())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete state file: %w", err)
		}
	}
	return nil
}

// Stats reports completed flushes
func (m *DiskManager) Stats() Stats {
	return Stats{Flushes: m.flushes.Load()}
}

// Close flushes every queued write and stops the background loop
func (m *DiskManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	left := len(m.queue)
	m.mu.Unlock()
	if left > 0 {
		return fmt.Errorf("failed to flush %d pending state writes", left)
	}
	return nil
}

// path names the file of one node. Tokens are hashed so that any token is a
// safe file name.
func (m *DiskManager) path(token, fullName string) string {
	sum := sha256.Sum256([]byte(Key(token, fullName)))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])+stateFileExt)
}

func (m *DiskManager) tree(token string) (*state.Tree, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if entry, ok := m.trees[token]; ok {
		entry.touched = time.Now()
		m.mu.Unlock()
		return entry.tree, nil
	}
	var pending map[string][]byte
	if item, ok := m.queue[token]; ok {
		pending = make(map[string][]byte, len(item.nodes))
		for k, v := range item.nodes {
			pending[k] = v
		}
	}
	m.mu.Unlock()

	tree := state.NewTree(m.schema, token)
	for _, n := range tree.Nodes() {
		data, ok := pending[n.FullName()]
		if !ok {
			var err error
			data, err = m.readFile(m.path(token, n.FullName()))
			if err != nil {
				return nil, err
			}
		}
		if data == nil {
			continue
		}
		if err := n.UnmarshalRecord(data); err != nil {
			m.log.Debug().Err(err).Str("token", token).Str("state", n.FullName()).Msg("Stored state does not match, using defaults")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.trees[token]; ok {
		return entry.tree, nil
	}
	m.trees[token] = &memoryEntry{tree: tree, touched: time.Now()}
	return tree, nil
}

// readFile returns nil for missing or expired files.
func (m *DiskManager) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat state file: %w", err)
	}
	if time.Since(info.ModTime()) > m.opts.TokenExpiration {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return data, nil
}

func (m *DiskManager) evict(token string) {
	m.mu.Lock()
	delete(m.trees, token)
	m.mu.Unlock()
}

// enqueue serializes the modified nodes of tree right away, so later
// mutations of the live tree cannot leak into a pending write.
func (m *DiskManager) enqueue(ctx context.Context, token string, tree *state.Tree) error {
	if tree.Token() != token {
		return fmt.Errorf("tree of token %s cannot be stored under %s", tree.Token(), token)
	}
	modified := tree.Modified()
	nodes := make(map[string][]byte, len(modified))
	for _, n := range modified {
		data, err := n.MarshalRecord()
		if err != nil {
			return err
		}
		nodes[n.FullName()] = data
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.trees[token] = &memoryEntry{tree: tree, touched: time.Now()}
	if len(nodes) == 0 {
		m.mu.Unlock()
		return nil
	}
	if m.opts.WriteDebounce <= 0 {
		m.mu.Unlock()
		if err := m.write(ctx, token, nodes); err != nil {
			return err
		}
		m.flushes.Add(1)
		for _, n := range modified {
			n.MarkPersisted()
		}
		return nil
	}
	item, ok := m.queue[token]
	if !ok {
		item = &pendingWrite{nodes: make(map[string][]byte)}
		m.queue[token] = item
	}
	for name, data := range nodes {
		item.nodes[name] = data
	}
	item.queued = time.Now()
	m.mu.Unlock()

	for _, n := range modified {
		n.MarkPersisted()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// write stores the nodes of one token in parallel, each through a temp file
// and rename.
func (m *DiskManager) write(ctx context.Context, token string, nodes map[string][]byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for name, data := range nodes {
		path := m.path(token, name)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, data, 0644); err != nil {
				return fmt.Errorf("failed to write state file: %w", err)
			}
			if err := os.Rename(tmp, path); err != nil {
				return fmt.Errorf("failed to replace state file: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *DiskManager) run() {
	defer close(m.done)
	for {
		wait := m.flush(false)
		if purgeWait := m.purge(); purgeWait < wait {
			wait = purgeWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-m.stop:
			timer.Stop()
			m.flush(true)
			return
		case <-m.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// flush writes queue items older than the debounce window, or all items when
// force is set, and returns how long until the next item becomes due.
func (m *DiskManager) flush(force bool) time.Duration {
	now := time.Now()
	next := m.opts.TokenExpiration
	due := make(map[string]*pendingWrite)

	m.mu.Lock()
	for token, item := range m.queue {
		age := now.Sub(item.queued)
		if force || age >= m.opts.WriteDebounce {
			due[token] = item
			delete(m.queue, token)
			continue
		}
		if left := m.opts.WriteDebounce - age; left < next {
			next = left
		}
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return next
	}
	var written, failed int
	var bytes uint64
	for token, item := range due {
		if err := m.write(context.Background(), token, item.nodes); err != nil {
			failed++
			m.log.Error().Err(err).Str("token", token).Msg("Failed to flush state")
			m.requeue(token, item)
			if m.opts.WriteDebounce < next {
				next = m.opts.WriteDebounce
			}
			diskFlushTotal.WithLabelValues("error").Inc()
			continue
		}
		written++
		for _, data := range item.nodes {
			bytes += uint64(len(data))
		}
		m.flushes.Add(1)
		diskFlushTotal.WithLabelValues("ok").Inc()
	}
	m.log.Debug().
		Int("tokens", written).
		Int("failed", failed).
		Str("size", humanize.Bytes(bytes)).
		Bool("shutdown", force).
		Msg("Flushed state write queue")
	return next
}

// requeue puts back a failed item unless newer writes for the token arrived.
func (m *DiskManager) requeue(token string, item *pendingWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newer, ok := m.queue[token]; ok {
		for name, data := range item.nodes {
			if _, has := newer.nodes[name]; !has {
				newer.nodes[name] = data
			}
		}
		return
	}
	m.queue[token] = item
}

// purge deletes files older than the token expiration, drops cached trees
// idle for as long, and returns the wait until the next file expires.
func (m *DiskManager) purge() time.Duration {
	now := time.Now()
	next := m.opts.TokenExpiration

	m.mu.Lock()
	for token, entry := range m.trees {
		if now.Sub(entry.touched) > m.opts.TokenExpiration {
			delete(m.trees, token)
		}
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.log.Error().Err(err).Str("dir", m.dir).Msg("Failed to list state directory")
		return next
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), stateFileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age > m.opts.TokenExpiration {
			if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
				removed++
			}
			continue
		}
		if left := m.opts.TokenExpiration - age; left < next {
			next = left
		}
	}
	if removed > 0 {
		m.log.Info().Int("files", removed).Msg("Purged expired state files")
	}
	return next
}
