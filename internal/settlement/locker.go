package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"salon-loyalty/internal/wallet"
	"salon-loyalty/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work on one client wallet. The returned unlock func is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func lockKey(tenantID, clientID string) string {
	return tenantID + "/" + clientID
}

// KeyedMutex is the single-instance Locker. Keys are dropped once nobody
// holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyLock{}}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = map[string]*keyLock{}
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently tracked.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var ErrLockTimeout = errors.New("client wallet is busy")

// RedisLocker is the Locker for horizontally scaled deployments. It polls
// SET NX PX until Wait runs out; release is compare-and-delete so an expired
// holder cannot free someone else's lock.
type RedisLocker struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
	poll time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := "wallet_lock:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := utils.TryLock(ctx, l.rdb, k, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %v", wallet.ErrPersistence, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %w", wallet.ErrConcurrencyConflict, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	done := make(chan struct{})
	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		l.refresh(context.WithoutCancel(ctx), k, token, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-refreshed
			// The caller's ctx may already be done; the release must still go out.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = utils.Unlock(rctx, l.rdb, k, token)
		})
	}, nil
}

// refresh pushes the lease out every ttl/3 while the holder is still working,
// so a slow transaction does not lose the lock halfway through. It stops once
// done closes or the key is no longer ours.
func (l *RedisLocker) refresh(ctx context.Context, key, token string, done <-chan struct{}) {
	every := max(l.ttl/3, time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, every)
			ok, err := utils.ExtendLock(rctx, l.rdb, key, token, l.ttl)
			cancel()
			if err != nil || !ok {
				return
			}
		}
	}
}
