// Package tabsync keeps the auth state of every tab on one origin converging.
// A Channel carries broadcast envelopes over shared storage, a Syncer turns
// store changes into envelopes and back, and a Registry tracks open tabs.
package tabsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BroadcastKey is written and then removed for every envelope. Storage only
// notifies other handles, so a tab never receives its own writes.
const BroadcastKey = "teamauth.broadcast"

const (
	defaultMaxAge      = 5 * time.Second
	defaultRemoveDelay = 50 * time.Millisecond
)

type Event string

const (
	EventTeamChanged          Event = "team_changed"
	EventRoleChanged          Event = "role_changed"
	EventImpersonationStarted Event = "impersonation_started"
	EventImpersonationStopped Event = "impersonation_stopped"
	EventSessionRecovery      Event = "session_recovery"
)

// Envelope is one broadcast. Timestamp is in Unix milliseconds.
type Envelope struct {
	Event       Event           `json:"event"`
	State       json.RawMessage `json:"state"`
	Timestamp   int64           `json:"timestamp"`
	SourceTabID string          `json:"sourceTabId"`
}

func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Handler receives envelopes that passed the origin and age checks.
type Handler func(ctx context.Context, env Envelope)

type Channel struct {
	storage     storage.Storage
	tabID       string
	maxAge      time.Duration
	removeDelay time.Duration
	nowTime     func() time.Time
	metrics     *obs.Metrics
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[Event]map[int]Handler
	next     int

	cancelWatch func()
	pending     sync.WaitGroup
}

type ChannelOption func(*Channel)

// WithMaxAge sets how old an envelope may be when it is received.
func WithMaxAge(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.maxAge = d
	}
}

// WithRemoveDelay sets the gap between writing and removing an envelope.
func WithRemoveDelay(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.removeDelay = d
	}
}

// WithChannelNowTime sets the now time function (primarily for testing)
func WithChannelNowTime(nowFunc func() time.Time) ChannelOption {
	return func(c *Channel) {
		c.nowTime = nowFunc
	}
}

func WithChannelMetrics(m *obs.Metrics) ChannelOption {
	return func(c *Channel) {
		c.metrics = m
	}
}

func NewChannel(s storage.Storage, tabID string, options ...ChannelOption) (*Channel, error) {
	if s == nil {
		return nil, errors.New("[NewChannel] storage is required")
	}
	if tabID == "" {
		return nil, errors.New("[NewChannel] tab id is required")
	}
	c := &Channel{
		storage:     s,
		tabID:       tabID,
		maxAge:      defaultMaxAge,
		removeDelay: defaultRemoveDelay,
		nowTime:     time.Now,
		logger:      obs.Component("tabsync").With().Str("tab_id", tabID).Logger(),
		handlers:    make(map[Event]map[int]Handler),
	}
	for _, opt := range options {
		opt(c)
	}
	c.cancelWatch = s.Watch(c.receive)
	return c, nil
}

func (c *Channel) TabID() string {
	return c.tabID
}

// Publish broadcasts payload under event to every other tab.
func (c *Channel) Publish(ctx context.Context, event Event, payload any) error {
	state, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "[Channel.Publish] %s", event)
	}
	env := Envelope{
		Event:       event,
		State:       state,
		Timestamp:   c.nowTime().UnixMilli(),
		SourceTabID: c.tabID,
	}
	if err := storage.SetJSON(ctx, c.storage, BroadcastKey, env); err != nil {
		return errors.Wrapf(err, "[Channel.Publish] %s", event)
	}
	c.metrics.BroadcastSent(string(event))

	c.pending.Add(1)
	time.AfterFunc(c.removeDelay, func() {
		defer c.pending.Done()
		if err := c.storage.Remove(context.Background(), BroadcastKey); err != nil {
			c.logger.Warn().Err(err).Msg("could not remove broadcast envelope")
		}
	})
	return nil
}

// Subscribe registers handler for event.
func (c *Channel) Subscribe(event Event, handler Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// Close stops receiving and waits for pending envelope removals.
func (c *Channel) Close() {
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	c.pending.Wait()
}

func (c *Channel) receive(change storage.Change) {
	if change.Key != BroadcastKey || change.Removed {
		return
	}
	var env Envelope
	if err := json.Unmarshal(change.Value, &env); err != nil {
		c.metrics.BroadcastReceived("unknown", obs.BroadcastCorrupt)
		c.logger.Warn().Err(err).Msg("dropping malformed broadcast envelope")
		return
	}
	if env.SourceTabID == c.tabID {
		c.metrics.BroadcastReceived(string(env.Event), obs.BroadcastOwn)
		return
	}
	if age := c.nowTime().Sub(env.Time()); age > c.maxAge {
		c.metrics.BroadcastReceived(string(env.Event), obs.BroadcastStale)
		c.logger.Debug().Str("event", string(env.Event)).Dur("age", age).Msg("dropping stale broadcast envelope")
		return
	}

	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[env.Event]))
	for id := 0; id < c.next; id++ {
		if h, ok := c.handlers[env.Event][id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()
	for _, h := range handlers {
		h(context.Background(), env)
	}
}
