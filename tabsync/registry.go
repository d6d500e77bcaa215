package tabsync

import (
	"context"
	"sort"
	"sync"
	"time"

	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ActiveTabsKey holds the JSON array of live tabs for the origin.
const ActiveTabsKey = "teamauth.active_tabs"

const (
	defaultStaleAfter        = 5 * time.Minute
	defaultHeartbeatInterval = 60 * time.Second
)

// TabRecord is one entry of the registry. Timestamps are Unix milliseconds;
// Timestamp moves with every heartbeat, RegisteredAt is fixed at first sight.
type TabRecord struct {
	TabID        string `json:"tabId"`
	Timestamp    int64  `json:"timestamp"`
	URL          string `json:"url"`
	RegisteredAt int64  `json:"registeredAt,omitempty"`
}

func (r TabRecord) LastSeen() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Registry tracks which tabs are open. The read-modify-write is not atomic
// across processes, so a heartbeat can occasionally drop another tab's entry
// until its next heartbeat.
type Registry struct {
	storage    storage.Storage
	tabID      string
	url        string
	staleAfter time.Duration
	heartbeat  time.Duration
	nowTime    func() time.Time
	logger     zerolog.Logger

	mu sync.Mutex
}

type RegistryOption func(*Registry)

func WithStaleAfter(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.staleAfter = d
	}
}

func WithHeartbeatInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.heartbeat = d
	}
}

// WithRegistryNowTime sets the now time function (primarily for testing)
func WithRegistryNowTime(nowFunc func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowTime = nowFunc
	}
}

func NewRegistry(s storage.Storage, tabID, url string, options ...RegistryOption) (*Registry, error) {
	if s == nil {
		return nil, errors.New("[NewRegistry] storage is required")
	}
	if tabID == "" {
		return nil, errors.New("[NewRegistry] tab id is required")
	}
	r := &Registry{
		storage:    s,
		tabID:      tabID,
		url:        url,
		staleAfter: defaultStaleAfter,
		heartbeat:  defaultHeartbeatInterval,
		nowTime:    time.Now,
		logger:     obs.Component("tabsync").With().Str("tab_id", tabID).Logger(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Register adds this tab or refreshes its heartbeat.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.read(ctx)
	if err != nil {
		return errors.Wrap(err, "[Registry.Register]")
	}
	now := r.nowTime().UnixMilli()
	tabs := r.live(all)
	found := false
	for i := range tabs {
		if tabs[i].TabID == r.tabID {
			tabs[i].Timestamp = now
			tabs[i].URL = r.url
			if tabs[i].RegisteredAt == 0 {
				tabs[i].RegisteredAt = now
			}
			found = true
		}
	}
	if !found {
		tabs = append(tabs, TabRecord{TabID: r.tabID, Timestamp: now, URL: r.url, RegisteredAt: now})
	}
	return errors.Wrap(storage.SetJSON(ctx, r.storage, ActiveTabsKey, tabs), "[Registry.Register]")
}

// Unregister removes this tab.
func (r *Registry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabs, err := r.read(ctx)
	if err != nil {
		return errors.Wrap(err, "[Registry.Unregister]")
	}
	kept := tabs[:0]
	for _, t := range tabs {
		if t.TabID != r.tabID {
			kept = append(kept, t)
		}
	}
	return errors.Wrap(storage.SetJSON(ctx, r.storage, ActiveTabsKey, kept), "[Registry.Unregister]")
}

// ActiveTabs returns the tabs seen within the stale window, oldest first.
// Stale entries are written out of storage as a side effect.
func (r *Registry) ActiveTabs(ctx context.Context) ([]TabRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Registry.ActiveTabs]")
	}
	tabs := r.live(all)
	if len(tabs) != len(all) {
		if err := storage.SetJSON(ctx, r.storage, ActiveTabsKey, tabs); err != nil {
			return nil, errors.Wrap(err, "[Registry.ActiveTabs]")
		}
	}
	sort.SliceStable(tabs, func(i, j int) bool {
		if tabs[i].RegisteredAt != tabs[j].RegisteredAt {
			return tabs[i].RegisteredAt < tabs[j].RegisteredAt
		}
		return tabs[i].TabID < tabs[j].TabID
	})
	return tabs, nil
}

// IsPrimaryTab reports whether this tab is the longest-lived active tab.
func (r *Registry) IsPrimaryTab(ctx context.Context) (bool, error) {
	tabs, err := r.ActiveTabs(ctx)
	if err != nil {
		return false, err
	}
	return len(tabs) > 0 && tabs[0].TabID == r.tabID, nil
}

// Run heartbeats until ctx is done, then unregisters.
func (r *Registry) Run(ctx context.Context) {
	if err := r.Register(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("tab registration failed")
	}
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Unregister(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn().Err(err).Msg("tab unregistration failed")
			}
			return
		case <-ticker.C:
			if err := r.Register(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("tab heartbeat failed")
			}
		}
	}
}

// read treats a missing or corrupt list as empty.
func (r *Registry) read(ctx context.Context) ([]TabRecord, error) {
	var tabs []TabRecord
	_, err := storage.GetJSON(ctx, r.storage, ActiveTabsKey, &tabs)
	if errs.Is(err, errs.ErrStorageCorrupt) {
		r.logger.Warn().Err(err).Msg("resetting unreadable tab registry")
		return nil, nil
	}
	return tabs, err
}

func (r *Registry) live(tabs []TabRecord) []TabRecord {
	cutoff := r.nowTime().Add(-r.staleAfter)
	kept := make([]TabRecord, 0, len(tabs))
	for _, t := range tabs {
		if t.TabID == "" || t.LastSeen().Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
