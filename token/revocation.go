package token

import (
	"sync"
	"time"
)

// Denylist rejects tokens before their exp claim. Entries are kept by token id
// and by session id; ending an impersonation session rejects every token that
// was minted for it, refreshed ones included.
type Denylist struct {
	mu       sync.RWMutex
	tokens   map[string]time.Time
	sessions map[string]time.Time
}

func NewDenylist() *Denylist {
	return &Denylist{
		tokens:   make(map[string]time.Time),
		sessions: make(map[string]time.Time),
	}
}

// RevokeToken rejects one token id until it would have expired anyway.
func (d *Denylist) RevokeToken(id string, until time.Time) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[id] = until
}

// RevokeSession rejects every token carrying sessionID until until.
func (d *Denylist) RevokeSession(sessionID string, until time.Time) {
	if sessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = until
}

func (d *Denylist) SessionRevoked(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[sessionID]
	return ok
}

// Rejects reports whether claims belong to a revoked token or session.
func (d *Denylist) Rejects(claims *Claims) bool {
	if claims == nil {
		return true
	}
	d.mu.RLock()
	_, tokenRevoked := d.tokens[claims.ID]
	d.mu.RUnlock()
	return tokenRevoked || d.SessionRevoked(claims.SessionID)
}

// Sweep drops entries that are past their own expiry.
func (d *Denylist) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, until := range d.tokens {
		if now.After(until) {
			delete(d.tokens, id)
		}
	}
	for id, until := range d.sessions {
		if now.After(until) {
			delete(d.sessions, id)
		}
	}
}
