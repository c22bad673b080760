package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our id.
// Returns 1 when deleted, 0 when another id holds it, -1 when it is gone.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return -1
end
if v ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// renewScript extends the lock TTL only while it still holds our id.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// locked runs fn holding the local token mutex and the remote lock. The
// remote lock is then either kept as a lease or released, on every path.
func (m *RedisManager) locked(ctx context.Context, token string, fn func(tok *redisToken) error) error {
	tok, err := m.token(token)
	if err != nil {
		return err
	}
	defer m.dropToken(token, tok)
	if err := tok.mu.Lock(ctx); err != nil {
		return err
	}
	defer tok.mu.Unlock()

	if err := m.claim(ctx, token, tok); err != nil {
		return err
	}
	start := time.Now()
	err = fn(tok)
	if held := time.Since(start); held > m.opts.LockWarningThreshold {
		m.log.Warn().
			Str("token", token).
			Dur("held", held).
			Dur("threshold", m.opts.LockWarningThreshold).
			Msg("State lock held longer than the warning threshold, move long-running work to a background task")
	}
	m.settle(ctx, token, tok, err)
	return err
}

// claim makes tok hold a live remote lock, reusing a lease when one is held.
func (m *RedisManager) claim(ctx context.Context, token string, tok *redisToken) error {
	if tok.leased {
		tok.leased = false
		if tok.leaseStop != nil {
			tok.leaseStop.Stop()
		}
		if time.Since(tok.lockedAt) > m.opts.LockExpiration/2 {
			ok, err := m.renew(ctx, token, tok)
			switch {
			case err != nil:
				m.log.Warn().Err(err).Str("token", token).Msg("Failed to renew leased lock")
				m.release(ctx, token, tok)
			case !ok:
				m.log.Warn().Str("token", token).Msg("Leased lock was lost before reuse")
				m.forget(tok)
			}
		}
		if tok.lockID != "" {
			m.leaseReuses.Add(1)
			leaseReuseTotal.Inc()
			return nil
		}
	}

	id, err := m.acquire(ctx, token)
	if err != nil {
		return err
	}
	tok.lockID = id
	tok.lockedAt = time.Now()
	tok.tree = nil
	tok.holding.Store(true)
	tok.contended.Store(false)
	return nil
}

// acquire takes the lock key with SET NX PX. When it is taken the caller
// queues as a waiter, signals contention to the holder and retries on a
// release event or every LockRetryInterval until LockWaitTimeout.
func (m *RedisManager) acquire(ctx context.Context, token string) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	lockKey := token + lockSuffix
	start := time.Now()
	deadline := start.Add(m.opts.LockWaitTimeout)

	var wake chan struct{}
	defer func() {
		if wake != nil {
			m.removeWaiter(lockKey, wake)
		}
	}()

	for {
		ok, err := m.client.SetNX(ctx, lockKey, id, m.opts.LockExpiration).Result()
		if err != nil {
			lockAcquireTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			m.acquires.Add(1)
			lockAcquireTotal.WithLabelValues("acquired").Inc()
			lockWaitSeconds.Observe(time.Since(start).Seconds())
			return id, nil
		}

		if wake == nil {
			if err := m.ensureSubscriber(ctx); err != nil {
				m.log.Debug().Err(err).Msg("Waiting for lock without keyspace subscriber")
			}
			wake = m.addWaiter(lockKey)
			m.signalContention(ctx, token)
			// the holder may have released before we subscribed
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			lockAcquireTotal.WithLabelValues("timeout").Inc()
			return "", &LockTimeoutError{Token: token, Waited: time.Since(start)}
		}
		timer := time.NewTimer(min(m.opts.LockRetryInterval, remaining))
		select {
		case <-wake:
		case <-timer.C:
			m.signalContention(ctx, token)
		case <-ctx.Done():
			timer.Stop()
			lockAcquireTotal.WithLabelValues("cancelled").Inc()
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

// signalContention asks a remote lease holder to give the lock back.
func (m *RedisManager) signalContention(ctx context.Context, token string) {
	if err := m.client.Set(ctx, token+contendedSuffix, "1", m.opts.LockExpiration).Err(); err != nil {
		m.log.Debug().Err(err).Str("token", token).Msg("Failed to signal lock contention")
	}
}

func (m *RedisManager) renew(ctx context.Context, token string, tok *redisToken) (bool, error) {
	res, err := renewScript.Run(ctx, m.client, []string{token + lockSuffix}, tok.lockID, m.opts.LockExpiration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}
	if res != 1 {
		return false, nil
	}
	tok.lockedAt = time.Now()
	return true, nil
}

// settle keeps the lock as a lease when leasing is enabled and nobody asked
// for it, and releases it otherwise.
func (m *RedisManager) settle(ctx context.Context, token string, tok *redisToken, scopeErr error) {
	var expired *LockExpiredError
	keep := m.opts.LeaseDuration > 0 &&
		!errors.As(scopeErr, &expired) &&
		!tok.contended.Load() &&
		!m.isClosed() &&
		time.Since(tok.lockedAt) < m.opts.LockExpiration/2
	if keep {
		if err := m.ensureSubscriber(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Cannot observe contention, releasing instead of leasing")
			keep = false
		}
	}
	if !keep {
		m.release(ctx, token, tok)
		return
	}
	tok.leased = true
	tok.leaseGen++
	gen := tok.leaseGen
	idle := min(m.opts.LeaseDuration, m.opts.LockExpiration/2)
	tok.leaseStop = time.AfterFunc(idle, func() { m.revoke(token, gen) })
}

// revoke releases the lease of token once no scope is using it. gen 0
// revokes whatever lease is held; otherwise only that lease generation.
func (m *RedisManager) revoke(token string, gen uint64) {
	tok, err := m.token(token)
	if err != nil {
		return
	}
	defer m.dropToken(token, tok)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LockWaitTimeout)
	defer cancel()
	if err := tok.mu.Lock(ctx); err != nil {
		return
	}
	defer tok.mu.Unlock()
	if !tok.leased || (gen != 0 && tok.leaseGen != gen) {
		return
	}
	m.release(ctx, token, tok)
}

// release gives the lock back with compare-and-delete. It runs even when the
// caller's context is already cancelled.
func (m *RedisManager) release(ctx context.Context, token string, tok *redisToken) {
	id := tok.lockID
	m.forget(tok)
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LockExpiration)
	defer cancel()

	lockKey := token + lockSuffix
	res, err := releaseScript.Run(ctx, m.client, []string{lockKey}, id).Int()
	m.releases.Add(1)
	switch {
	case err != nil:
		lockReleaseTotal.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("token", token).Msg("Failed to release lock")
	case res == 1:
		lockReleaseTotal.WithLabelValues("released").Inc()
	case res == 0:
		lockReleaseTotal.WithLabelValues("mismatch").Inc()
		m.log.Error().
			Str("token", token).
			Str("lock_id", id).
			Msg("Lock is held by another worker at release, it expired while in use; not deleting it")
	default:
		lockReleaseTotal.WithLabelValues("missing").Inc()
		m.log.Warn().Str("token", token).Str("lock_id", id).Msg("Lock already expired at release")
	}
	m.wakeOne(lockKey)
}

// forget drops the local lock and lease state of tok.
func (m *RedisManager) forget(tok *redisToken) {
	if tok.leaseStop != nil {
		tok.leaseStop.Stop()
		tok.leaseStop = nil
	}
	tok.lockID = ""
	tok.leased = false
	tok.tree = nil
	tok.holding.Store(false)
}

func (m *RedisManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
