package dispatcher

import (
	"context"
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/truenas/middlewared/errors"
)

// keyedMutex serializes calls sharing a lock key. Acquisition honors ctx.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// held returns the number of keys with a holder or waiter
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// throttle keeps one token bucket per throttle key and caller origin.
// Idle buckets expire.
type throttle struct {
	burst  int
	refill time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets *gocache.Cache
}

func newThrottle(burst int, refill time.Duration) *throttle {
	return &throttle{
		burst:   burst,
		refill:  refill,
		now:     time.Now,
		buckets: gocache.New(10*time.Minute, time.Minute),
	}
}

// Allow takes a token or returns EBUSY with the seconds until one is free
func (t *throttle) Allow(key string) error {
	t.mu.Lock()
	var bucket *rate.Limiter
	if v, ok := t.buckets.Get(key); ok {
		bucket = v.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(rate.Every(t.refill), t.burst)
	}
	t.buckets.SetDefault(key, bucket)
	t.mu.Unlock()

	now := t.now()
	if bucket.AllowN(now, 1) {
		return nil
	}
	r := bucket.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return errors.Busy("Rate limit exceeded").WithExtra(map[string]any{
		"retry_after": math.Ceil(wait.Seconds()),
	})
}
