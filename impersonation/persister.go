package impersonation

import (
	"context"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// StorageKey holds the persisted impersonation of an origin, without any
	// credential.
	StorageKey = "teamauth.impersonation"
	// CredentialKey holds the administrator session captured at start.
	CredentialKey = "teamauth.impersonation.admin"
)

var _ authstate.ImpersonationLoader = (*Persister)(nil)

// Persister keeps the active impersonation in origin storage so it survives a
// reload. Unusable records are deleted when read. The administrator session is
// stored apart from the record so the record itself never carries tokens.
type Persister struct {
	storage storage.Storage
	nowTime func() time.Time
	logger  zerolog.Logger
}

func NewPersister(s storage.Storage, nowTime func() time.Time) *Persister {
	if nowTime == nil {
		nowTime = time.Now
	}
	return &Persister{
		storage: s,
		nowTime: nowTime,
		logger:  obs.Component("impersonation"),
	}
}

func (p *Persister) Save(ctx context.Context, imp *authstate.Impersonation) error {
	if imp == nil {
		return errors.New("[Persister.Save] impersonation is required")
	}
	if imp.AdminOriginalSession != nil {
		if err := storage.SetJSON(ctx, p.storage, CredentialKey, imp.AdminOriginalSession); err != nil {
			return errors.Wrap(err, "[Persister.Save]")
		}
	}
	return storage.SetJSON(ctx, p.storage, StorageKey, imp.WithoutCredentials())
}

// Load returns the persisted impersonation, or nil when there is none. Corrupt
// and expired records are removed and reported as absent.
func (p *Persister) Load(ctx context.Context) (*authstate.Impersonation, error) {
	var imp authstate.Impersonation
	ok, err := storage.GetJSON(ctx, p.storage, StorageKey, &imp)
	if errors.Is(err, errs.ErrStorageCorrupt) {
		p.logger.Warn().Err(err).Msg("discarding corrupt persisted impersonation")
		return nil, p.Clear(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Persister.Load]")
	}
	if !ok {
		return nil, nil
	}
	if imp.SessionID == "" || imp.AdminUserID == "" || imp.TargetUser.ID == "" {
		p.logger.Warn().Msg("discarding incomplete persisted impersonation")
		return nil, p.Clear(ctx)
	}
	if imp.Expired(p.nowTime()) {
		p.logger.Info().Str("session_id", imp.SessionID).Time("expires_at", imp.ExpiresAt).
			Msg("discarding expired persisted impersonation")
		return nil, p.Clear(ctx)
	}
	imp.AdminOriginalSession = p.loadCredential(ctx, imp.AdminUserID)
	return &imp, nil
}

// loadCredential returns the stored administrator session when it belongs to
// adminUserID. A corrupt entry is removed.
func (p *Persister) loadCredential(ctx context.Context, adminUserID string) *sessions.Session {
	var admin sessions.Session
	ok, err := storage.GetJSON(ctx, p.storage, CredentialKey, &admin)
	if errors.Is(err, errs.ErrStorageCorrupt) {
		p.logger.Warn().Err(err).Msg("discarding corrupt persisted administrator session")
		if err := p.storage.Remove(ctx, CredentialKey); err != nil {
			p.logger.Warn().Err(err).Msg("could not remove persisted administrator session")
		}
		return nil
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("could not read persisted administrator session")
		return nil
	}
	if !ok || admin.User.ID != adminUserID {
		return nil
	}
	return &admin
}

func (p *Persister) Clear(ctx context.Context) error {
	if err := p.storage.Remove(ctx, StorageKey); err != nil {
		return errors.Wrap(err, "[Persister.Clear]")
	}
	if err := p.storage.Remove(ctx, CredentialKey); err != nil {
		return errors.Wrap(err, "[Persister.Clear]")
	}
	return nil
}
