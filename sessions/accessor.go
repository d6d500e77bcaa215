package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL = 30 * time.Second
	flightKey       = "session"
)

// Accessor is a short-TTL cache in front of Source.GetSession. Concurrent
// callers that miss the cache share a single backend fetch.
type Accessor struct {
	source  Source
	ttl     time.Duration
	nowTime func() time.Time
	metrics *obs.Metrics
	logger  zerolog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	cached   *Session
	cachedAt time.Time
	valid    bool

	unsubscribe func()
}

type AccessorOption func(*Accessor)

func WithCacheTTL(ttl time.Duration) AccessorOption {
	return func(a *Accessor) {
		a.ttl = ttl
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AccessorOption {
	return func(a *Accessor) {
		a.nowTime = nowFunc
	}
}

func WithMetrics(m *obs.Metrics) AccessorOption {
	return func(a *Accessor) {
		a.metrics = m
	}
}

// NewAccessor wraps source and subscribes to its change notifications so the
// cache is refreshed eagerly.
func NewAccessor(source Source, options ...AccessorOption) (*Accessor, error) {
	if source == nil {
		return nil, errors.New("[NewAccessor] session source is required")
	}
	a := &Accessor{
		source:  source,
		ttl:     defaultCacheTTL,
		nowTime: time.Now,
		logger:  obs.Component("sessions"),
	}
	for _, opt := range options {
		opt(a)
	}
	a.unsubscribe = source.OnSessionChange(a.Observe)
	return a, nil
}

// Get returns the cached session when it was fetched within the TTL, otherwise
// fetches it. A nil session with a nil error means nobody is signed in.
func (a *Accessor) Get(ctx context.Context) (*Session, error) {
	if s, ok := a.fromCache(); ok {
		a.metrics.SessionCacheHit()
		return s, nil
	}
	a.metrics.SessionCacheMiss()
	return a.fetch(ctx, false)
}

// Fetch bypasses the cache and always asks the backend.
func (a *Accessor) Fetch(ctx context.Context) (*Session, error) {
	return a.fetch(ctx, true)
}

// Invalidate drops the cached session so the next Get goes to the backend.
func (a *Accessor) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = false
	a.cached = nil
}

// Observe applies a backend-pushed change to the cache.
func (a *Accessor) Observe(kind EventKind, session *Session) {
	if kind == EventSignedOut {
		session = nil
	}
	a.logger.Debug().Str("event", string(kind)).Str("user_id", session.UserID()).Msg("session change observed")
	a.store(session)
}

// Close stops listening for backend notifications.
func (a *Accessor) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

func (a *Accessor) fetch(ctx context.Context, force bool) (*Session, error) {
	if force {
		a.group.Forget(flightKey)
	}
	// The shared fetch must not be cancelled by whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(flightKey, func() (any, error) {
		if !force {
			if s, ok := a.fromCache(); ok {
				return s, nil
			}
		}
		a.metrics.SessionFetched()
		s, err := a.source.GetSession(flightCtx)
		if err != nil {
			return nil, err
		}
		a.store(s)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, errors.Wrap(res.Err, "[Accessor.fetch] GetSession")
		}
		s, _ := res.Val.(*Session)
		return s.Clone(), nil
	}
}

func (a *Accessor) fromCache() (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.valid {
		return nil, false
	}
	now := a.nowTime()
	if now.Sub(a.cachedAt) >= a.ttl {
		return nil, false
	}
	if a.cached != nil && a.cached.Expired(now) {
		return nil, false
	}
	return a.cached.Clone(), true
}

func (a *Accessor) store(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = s.Clone()
	a.cachedAt = a.nowTime()
	a.valid = true
}
