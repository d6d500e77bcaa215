// Package httpbackend talks to a hosted identity backend over REST: the OAuth2
// token endpoint for credentials, /auth/v1 for the user, /functions/v1 for
// server-side functions and /rest/v1 for the team and profile tables.
package httpbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var _ backend.Backend = (*Client)(nil)

const defaultTimeout = 10 * time.Second

// Client holds one tab's credential. Change listeners are called on the
// calling goroutine after the client's lock is released.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	oauth   *oauth2.Config
	nowTime func() time.Time
	logger  zerolog.Logger

	mu        sync.Mutex
	current   *sessions.Session
	listeners map[int]sessions.ChangeListener
	next      int
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is wrapped so every
// request carries the anon key.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

func New(baseURL, anonKey string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("[httpbackend.New] base url is required")
	}
	if anonKey == "" {
		return nil, errors.New("[httpbackend.New] anon key is required")
	}
	c := &Client{
		baseURL:   baseURL,
		anonKey:   anonKey,
		http:      &http.Client{Timeout: defaultTimeout},
		nowTime:   time.Now,
		logger:    obs.Component("httpbackend"),
		listeners: make(map[int]sessions.ChangeListener),
	}
	for _, opt := range options {
		opt(c)
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.http = &http.Client{
		Transport:     &apiKeyTransport{base: base, key: anonKey},
		Timeout:       c.http.Timeout,
		CheckRedirect: c.http.CheckRedirect,
		Jar:           c.http.Jar,
	}
	c.oauth = &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  baseURL + "/auth/v1/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return c, nil
}

// GetSession returns the live credential, refreshing it first when it has
// expired. A refresh the backend rejects signs the tab out.
func (c *Client) GetSession(ctx context.Context) (*sessions.Session, error) {
	c.mu.Lock()
	current := c.current.Clone()
	c.mu.Unlock()
	if current == nil || !current.Expired(c.nowTime()) {
		return current, nil
	}

	refreshed, err := c.exchange(ctx, current.RefreshToken)
	if errs.Is(err, errs.ErrAuthenticationFailed) {
		c.logger.Info().Str("user_id", current.User.ID).Msg("refresh rejected, signing out")
		c.setCurrent(nil)
		c.emit(sessions.EventSignedOut, nil)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Client.GetSession]")
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
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), strings.TrimSpace(email), password)
	if err != nil {
		return nil, errors.Wrap(tokenError(err), "[Client.SignInWithPassword]")
	}
	result, err := sessionFromToken(tok)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SignInWithPassword]")
	}
	c.setCurrent(result.Session)
	c.emit(sessions.EventSignedIn, result.Session)
	return result, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.SessionResult, error) {
	req := struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data,omitempty"`
	}{Email: strings.TrimSpace(email), Password: password, Data: metadata}

	var resp wireSession
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, req, &resp, false); err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp]")
	}
	result := &backend.SessionResult{Session: resp.session(c.nowTime())}
	if err := result.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp]")
	}
	c.setCurrent(result.Session)
	c.emit(sessions.EventSignedIn, result.Session)
	return result, nil
}

// SignOut revokes the credential on the backend when it can and always
// clears it locally.
func (c *Client) SignOut(ctx context.Context) error {
	if c.Current() != nil {
		if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, nil, true); err != nil &&
			!errs.Is(err, errs.ErrSessionUnavailable) {
			c.logger.Warn().Err(err).Msg("backend sign-out failed, clearing local session")
		}
	}
	c.setCurrent(nil)
	c.emit(sessions.EventSignedOut, nil)
	return nil
}

func (c *Client) SetSession(ctx context.Context, tokens sessions.Tokens) (*backend.SessionResult, error) {
	if !tokens.Valid() {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[Client.SetSession] tokens are required")
	}
	session, err := c.exchange(ctx, tokens.RefreshToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SetSession]")
	}
	c.setCurrent(session)
	c.emit(sessions.EventSignedIn, session)
	return &backend.SessionResult{Session: session}, nil
}

func (c *Client) UpdateUser(ctx context.Context, patch backend.UserPatch) (*users.User, error) {
	var resp wireUser
	if err := c.do(ctx, http.MethodPut, "/auth/v1/user", nil, patch, &resp, true); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateUser]")
	}
	if resp.ID == "" {
		return nil, errs.Wrapf(errs.ErrInvalidResponse, "[Client.UpdateUser] missing user id")
	}
	user := resp.user()

	c.mu.Lock()
	if c.current != nil && c.current.User.ID == user.ID {
		c.current.User = *user.Clone()
	}
	current := c.current.Clone()
	c.mu.Unlock()
	c.emit(sessions.EventUserUpdated, current)
	return user, nil
}

func (c *Client) Invoke(ctx context.Context, fn string, payload any, out any) error {
	if err := c.do(ctx, http.MethodPost, "/functions/v1/"+fn, nil, payload, out, true); err != nil {
		return errors.Wrapf(err, "[Client.Invoke] %s", fn)
	}
	return nil
}

// Current returns the live credential without refreshing it.
func (c *Client) Current() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Client) exchange(ctx context.Context, refreshToken string) (*sessions.Session, error) {
	// An empty access token forces the token source to refresh.
	tok, err := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError(err)
	}
	result, err := sessionFromToken(tok)
	if err != nil {
		return nil, err
	}
	return result.Session, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) setCurrent(s *sessions.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s.Clone()
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

// wireUser is the user object as the backend serializes it.
type wireUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

func (w wireUser) user() *users.User {
	return &users.User{ID: w.ID, Email: w.Email, Metadata: w.UserMetadata}
}

// wireSession is the sign-up response, shaped like a token response.
type wireSession struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	User         wireUser `json:"user"`
}

func (w wireSession) session(now time.Time) *sessions.Session {
	s := &sessions.Session{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		User:         *w.User.user(),
	}
	if w.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(w.ExpiresIn) * time.Second)
	}
	return s
}

func sessionFromToken(tok *oauth2.Token) (*backend.SessionResult, error) {
	var user wireUser
	if raw := tok.Extra("user"); raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrInvalidResponse, "token response user: %v", err)
		}
		if err := json.Unmarshal(b, &user); err != nil {
			return nil, errs.Wrapf(errs.ErrInvalidResponse, "token response user: %v", err)
		}
	}
	result := &backend.SessionResult{Session: &sessions.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		User:         *user.user(),
	}}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// tokenError maps a token endpoint failure onto the error taxonomy.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch {
		case re.Response.StatusCode == http.StatusBadRequest, re.Response.StatusCode == http.StatusUnauthorized:
			return errs.Wrapf(errs.ErrAuthenticationFailed, "token endpoint %d %s", re.Response.StatusCode, re.ErrorCode)
		case re.Response.StatusCode >= 500:
			return errs.Wrapf(errs.ErrBackendUnreachable, "token endpoint %d", re.Response.StatusCode)
		}
		return errs.Wrapf(errs.ErrInvalidResponse, "token endpoint %d", re.Response.StatusCode)
	}
	return errs.Wrapf(errs.ErrBackendUnreachable, "token endpoint: %v", err)
}
