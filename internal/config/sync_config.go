package config

import "time"

type SyncConfig interface {
	GetBroadcastMaxAge() time.Duration
	GetBroadcastRemoveDelay() time.Duration
	GetConflictWindow() time.Duration
	GetTabStaleAfter() time.Duration
	GetTabHeartbeatInterval() time.Duration
}

type Sync struct {
	BroadcastMaxAge      time.Duration `env:"BROADCAST_MAX_AGE" envDefault:"5s"`
	BroadcastRemoveDelay time.Duration `env:"BROADCAST_REMOVE_DELAY" envDefault:"50ms"`
	ConflictWindow       time.Duration `env:"CONFLICT_WINDOW" envDefault:"1s"`
	TabStaleAfter        time.Duration `env:"TAB_STALE_AFTER" envDefault:"5m"`
	TabHeartbeatInterval time.Duration `env:"TAB_HEARTBEAT_INTERVAL" envDefault:"60s"`
}

var _ SyncConfig = Sync{}

func (s Sync) GetBroadcastMaxAge() time.Duration {
	return s.BroadcastMaxAge
}

func (s Sync) GetBroadcastRemoveDelay() time.Duration {
	return s.BroadcastRemoveDelay
}

// GetConflictWindow is the tie-break used when two tabs start impersonating at
// nearly the same time. It is a heuristic and does not hold under clock skew.
func (s Sync) GetConflictWindow() time.Duration {
	return s.ConflictWindow
}

func (s Sync) GetTabStaleAfter() time.Duration {
	return s.TabStaleAfter
}

func (s Sync) GetTabHeartbeatInterval() time.Duration {
	return s.TabHeartbeatInterval
}
