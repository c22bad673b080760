package storage

import (
	"context"
	"sync"
)

// tokenMutex is a mutex whose Lock gives up when ctx is done.
type tokenMutex chan struct{}

func newTokenMutex() tokenMutex { return make(tokenMutex, 1) }

func (t tokenMutex) Lock(ctx context.Context) error {
	select {
	case t <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t tokenMutex) Unlock() { <-t }

// tokenLocks hands out one mutex per token, created on first use and dropped
// when nobody holds or waits for it.
type tokenLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   tokenMutex
	refs int
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[string]*refMutex)}
}

// lock acquires the mutex of token and returns its unlock function.
func (l *tokenLocks) lock(ctx context.Context, token string) (func(), error) {
	l.mu.Lock()
	rm, ok := l.locks[token]
	if !ok {
		rm = &refMutex{mu: newTokenMutex()}
		l.locks[token] = rm
	}
	rm.refs++
	l.mu.Unlock()

	if err := rm.mu.Lock(ctx); err != nil {
		l.drop(token, rm)
		return nil, err
	}
	return func() {
		rm.mu.Unlock()
		l.drop(token, rm)
	}, nil
}

func (l *tokenLocks) drop(token string, rm *refMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rm.refs--
	if rm.refs == 0 {
		delete(l.locks, token)
	}
}

func (l *tokenLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
