package auth

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/truenas/middlewared/errors"
)

// Limiter cools off sources that present bad credentials. Each source has a
// token bucket of burst failures refilled once per cooldown; once the
// bucket is empty the source is refused for the cooldown.
type Limiter struct {
	burst    int
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	sources *gocache.Cache
}

type sourceState struct {
	bucket *rate.Limiter
	until  time.Time
}

// NewLimiter creates a limiter; non-positive values default to 5 failures
// and 60 seconds
func NewLimiter(burst int, cooldown time.Duration) *Limiter {
	if burst <= 0 {
		burst = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Limiter{
		burst:    burst,
		cooldown: cooldown,
		now:      time.Now,
		sources:  gocache.New(cooldown*time.Duration(burst+1), cooldown),
	}
}

// Check refuses a source that is cooling off
func (l *Limiter) Check(source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.sources.Get(source)
	if !ok {
		return nil
	}
	st := v.(*sourceState)
	if remaining := st.until.Sub(l.now()); remaining > 0 {
		return errors.AuthFailed("Too many failed authentication attempts").
			WithExtra(map[string]any{"retry_after": int(remaining.Seconds() + 0.999)})
	}
	return nil
}

// Failure records a bad credential from source
func (l *Limiter) Failure(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var st *sourceState
	if v, ok := l.sources.Get(source); ok {
		st = v.(*sourceState)
	} else {
		st = &sourceState{bucket: rate.NewLimiter(rate.Every(l.cooldown), l.burst)}
	}
	st.bucket.AllowN(now, 1)
	if st.bucket.TokensAt(now) < 1 {
		st.until = now.Add(l.cooldown)
	}
	l.sources.SetDefault(source, st)
}

// Success clears the record of source
func (l *Limiter) Success(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources.Delete(source)
}
