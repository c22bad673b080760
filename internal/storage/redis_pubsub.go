package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

func (m *RedisManager) keyspacePrefix() string {
	return fmt.Sprintf("__keyspace@%d__:", m.db)
}

// ensureSubscriber starts the single keyspace listener shared by every
// waiter and lease of the manager.
func (m *RedisManager) ensureSubscriber(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.sub != nil {
		return nil
	}
	prefix := m.keyspacePrefix()
	ps := m.client.PSubscribe(context.WithoutCancel(ctx), prefix+"*"+lockSuffix, prefix+"*"+contendedSuffix)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to keyspace events: %w", err)
	}
	m.sub = ps
	m.subDone = make(chan struct{})
	go m.listen(ps.Channel(), m.subDone)
	return nil
}

func (m *RedisManager) listen(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	prefix := m.keyspacePrefix()
	for msg := range ch {
		key := strings.TrimPrefix(msg.Channel, prefix)
		switch {
		case strings.HasSuffix(key, contendedSuffix):
			if msg.Payload == "set" {
				m.onContended(strings.TrimSuffix(key, contendedSuffix))
			}
		case strings.HasSuffix(key, lockSuffix):
			switch msg.Payload {
			case "del", "expired", "evicted":
				m.wakeOne(key)
			}
		}
	}
}

// onContended revokes our lease on token when we hold its lock. A scope in
// progress finishes first and then releases instead of leasing.
func (m *RedisManager) onContended(token string) {
	m.mu.Lock()
	tok := m.tokens[token]
	m.mu.Unlock()
	if tok == nil || !tok.holding.Load() {
		return
	}
	tok.contended.Store(true)
	m.log.Debug().Str("token", token).Msg("Lock contended, revoking lease")
	go m.revoke(token, 0)
}

func (m *RedisManager) addWaiter(lockKey string) chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[lockKey] = append(m.waiters[lockKey], ch)
	m.mu.Unlock()
	return ch
}

func (m *RedisManager) removeWaiter(lockKey string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.waiters[lockKey]
	for i, w := range q {
		if w == ch {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(m.waiters, lockKey)
		return
	}
	m.waiters[lockKey] = q
}

// wakeOne signals the oldest waiter of lockKey only. It stays queued until
// it acquires or gives up, so a lost race keeps its place.
func (m *RedisManager) wakeOne(lockKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.waiters[lockKey]
	if len(q) == 0 {
		return
	}
	select {
	case q[0] <- struct{}{}:
	default:
	}
}
