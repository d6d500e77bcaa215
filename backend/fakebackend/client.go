package fakebackend

import (
	"context"
	"strings"
	"sync"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/token"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

var _ backend.Backend = (*Client)(nil)

// Client is one tab's connection to a Server. Change listeners are called
// synchronously on the calling goroutine, after the client's lock is released.
type Client struct {
	server *Server

	mu        sync.Mutex
	current   *sessions.Session
	listeners map[int]sessions.ChangeListener
	next      int
}

func (c *Client) GetSession(ctx context.Context) (*sessions.Session, error) {
	if err := c.server.record("GetSession"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	current := c.current.Clone()
	c.mu.Unlock()
	if current == nil || !current.Expired(c.server.now()) {
		return current, nil
	}

	refreshed, err := c.server.exchange(current.RefreshToken)
	if err != nil {
		c.setCurrent(nil)
		c.emit(sessions.EventSignedOut, nil)
		return nil, nil
	}
	c.setCurrent(refreshed)
	c.emit(sessions.EventTokenRefreshed, refreshed)
	return refreshed.Clone(), nil
}

func (c *Client) OnSessionChange(listener sessions.ChangeListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*backend.SessionResult, error) {
	if err := c.server.record("SignInWithPassword"); err != nil {
		return nil, err
	}
	account, err := c.server.users.GetByEmail(email)
	if err != nil || !users.CheckPasswordHash(password, account.PasswordHash) {
		return nil, errors.Wrap(errs.ErrAuthenticationFailed, "[Client.SignInWithPassword] invalid email or password")
	}
	session, err := c.server.issue(account.User.ID, "", "", 0)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SignInWithPassword]")
	}
	c.setCurrent(session)
	c.emit(sessions.EventSignedIn, session)
	return &backend.SessionResult{Session: session.Clone()}, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.SessionResult, error) {
	if err := c.server.record("SignUp"); err != nil {
		return nil, err
	}
	fullName, _ := metadata["full_name"].(string)
	user, err := c.server.CreateUser(email, password, fullName)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp]")
	}
	if len(metadata) > 0 {
		account, err := c.server.users.GetByID(user.ID)
		if err == nil {
			account.User.Metadata = metadata
			_ = c.server.users.Upsert(account)
		}
	}
	session, err := c.server.issue(user.ID, "", "", 0)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp]")
	}
	c.setCurrent(session)
	c.emit(sessions.EventSignedIn, session)
	return &backend.SessionResult{Session: session.Clone()}, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	if err := c.server.record("SignOut"); err != nil {
		return err
	}
	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()
	c.server.revoke(current)
	c.emit(sessions.EventSignedOut, nil)
	return nil
}

func (c *Client) SetSession(ctx context.Context, tokens sessions.Tokens) (*backend.SessionResult, error) {
	if err := c.server.record("SetSession"); err != nil {
		return nil, err
	}
	if !tokens.Valid() {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[Client.SetSession] tokens are required")
	}
	session, err := c.server.exchange(tokens.RefreshToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SetSession]")
	}
	c.setCurrent(session)
	c.emit(sessions.EventSignedIn, session)
	return &backend.SessionResult{Session: session.Clone()}, nil
}

func (c *Client) UpdateUser(ctx context.Context, patch backend.UserPatch) (*users.User, error) {
	if err := c.server.record("UpdateUser"); err != nil {
		return nil, err
	}
	claims, err := c.claims()
	if err != nil {
		return nil, err
	}
	account, err := c.server.users.GetByID(claims.Subject)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNotFound, "[Client.UpdateUser]")
	}
	if patch.Email != nil {
		if err := c.server.users.Delete(account.User.Email); err != nil {
			return nil, errors.Wrap(err, "[Client.UpdateUser] Delete")
		}
		account.User.Email = strings.ToLower(*patch.Email)
	}
	if patch.Password != nil {
		if err := users.ValidatePasswordStrength(*patch.Password); err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidRequest, "[Client.UpdateUser] %v", err)
		}
		hash, err := users.HashPassword(*patch.Password)
		if err != nil {
			return nil, errors.Wrap(err, "[Client.UpdateUser] HashPassword")
		}
		account.PasswordHash = hash
	}
	if patch.Metadata != nil {
		if account.User.Metadata == nil {
			account.User.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			account.User.Metadata[k] = v
		}
	}
	if err := c.server.users.Upsert(account); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateUser] Upsert")
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.User = *account.User.Clone()
	}
	current := c.current.Clone()
	c.mu.Unlock()
	c.emit(sessions.EventUserUpdated, current)
	return account.User.Clone(), nil
}

// Current returns the live credential without recording a call.
func (c *Client) Current() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Client) setCurrent(s *sessions.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s.Clone()
}

func (c *Client) claims() (*token.Claims, error) {
	c.mu.Lock()
	access := ""
	if c.current != nil {
		access = c.current.AccessToken
	}
	c.mu.Unlock()
	return c.server.caller(access)
}

func (c *Client) emit(kind sessions.EventKind, s *sessions.Session) {
	c.mu.Lock()
	listeners := make([]sessions.ChangeListener, 0, len(c.listeners))
	for id := 0; id < c.next; id++ {
		if l, ok := c.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(kind, s.Clone())
	}
}
