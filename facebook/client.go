// Package facebook verifies signed Facebook identity payloads and keeps the
// resulting session.
//
// Three formats are understood: the compact signed request (fbsr_ cookie and
// signed_request parameter), the legacy fbs cookie, and JSON sessions. A
// Client's session is either empty or fully verified; any failure, including
// a failed code exchange, leaves it empty. Failures are not reported to the
// caller beyond the empty session, so a forged payload looks exactly like no
// payload at all. They are logged and counted instead.
package facebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Credentials identify the application. Secret is never transmitted except to
// the token endpoint.
type Credentials struct {
	AppID  string
	Secret string
}

// Client holds the credentials and the current verified session.
//
// Parses on one Client are serialised. Readers never see a partially
// replaced session.
type Client struct {
	creds       Credentials
	exchanger   Exchanger
	authorizer  *OAuth2Exchanger
	cache       TokenCache
	redirectURI string
	logger      *slog.Logger
	metrics     *Metrics

	parseMu sync.Mutex

	mu   sync.RWMutex
	data Session
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	exchanger    Exchanger
	exchangeOpts []ExchangerOption
	cache        TokenCache
	redirectURI  string
	logger       *slog.Logger
	metrics      *Metrics
}

// WithExchanger replaces the default OAuth2Exchanger. Sharing one
// OAuth2Exchanger between clients lets concurrent exchanges of the same code
// share one request; it then also builds AuthorizeURL unless
// WithExchangerOptions is given.
func WithExchanger(e Exchanger) Option {
	return func(c *clientConfig) {
		c.exchanger = e
	}
}

// WithExchangerOptions configures the default OAuth2Exchanger.
func WithExchangerOptions(opts ...ExchangerOption) Option {
	return func(c *clientConfig) {
		c.exchangeOpts = append(c.exchangeOpts, opts...)
	}
}

// WithTokenCache sets a cache consulted before exchanging a code.
func WithTokenCache(tc TokenCache) Option {
	return func(c *clientConfig) {
		c.cache = tc
	}
}

// WithRedirectURI sets the redirect_uri sent when exchanging a code found in
// a signed request. The default is empty, which is what the JavaScript SDK
// expects.
func WithRedirectURI(u string) Option {
	return func(c *clientConfig) {
		c.redirectURI = u
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// WithMetrics enables outcome counters.
func WithMetrics(m *Metrics) Option {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// New creates a Client. Missing credentials are not an error here; every parse
// simply fails.
func New(appID, secret string, opts ...Option) *Client {
	cfg := clientConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	authorizer, ok := cfg.exchanger.(*OAuth2Exchanger)
	if !ok || len(cfg.exchangeOpts) > 0 {
		authorizer = NewOAuth2Exchanger(appID, secret, cfg.exchangeOpts...)
	}
	c := &Client{
		creds:       Credentials{AppID: appID, Secret: secret},
		exchanger:   cfg.exchanger,
		authorizer:  authorizer,
		cache:       cfg.cache,
		redirectURI: cfg.redirectURI,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
	}
	if c.exchanger == nil {
		c.exchanger = authorizer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// AppID returns the configured application id.
func (c *Client) AppID() string {
	return c.creds.AppID
}

// Data returns a copy of the current session. It is empty, never nil.
func (c *Client) Data() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Clone()
}

// AccessToken returns the access token of the current session.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.AccessToken()
}

// UserID returns the user id of the current session.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.UserID()
}

// Clear empties the session.
func (c *Client) Clear() {
	c.replace(nil)
}

func (c *Client) replace(s Session) {
	c.mu.Lock()
	c.data = s
	c.mu.Unlock()
}

// FBS encodes the current session in the legacy fbs format.
func (c *Client) FBS() string {
	return EncodeFBS(c.Data(), c.creds.Secret)
}

// ParseFBS verifies a legacy fbs value and makes it the session.
func (c *Client) ParseFBS(raw string) (Session, bool) {
	return c.ParsePayload(context.Background(), Payload{Format: FormatFBS, Raw: raw})
}

// ParseJSON verifies a JSON session and makes it the session.
func (c *Client) ParseJSON(raw string) (Session, bool) {
	return c.ParsePayload(context.Background(), Payload{Format: FormatJSON, Raw: raw})
}

// ParseSignedRequest verifies a compact signed request and makes it the
// session. If it carries a code but no access token, the code is exchanged
// first and the token merged in; a failed exchange fails the parse.
func (c *Client) ParseSignedRequest(ctx context.Context, raw string) (Session, bool) {
	return c.ParsePayload(ctx, Payload{Format: FormatSignedRequest, Raw: raw})
}

// ParseFBSR is ParseSignedRequest, named after the cookie that carries it.
func (c *Client) ParseFBSR(ctx context.Context, raw string) (Session, bool) {
	return c.ParseSignedRequest(ctx, raw)
}

// ParsePayload verifies p according to its format. On failure the session is
// cleared and ok is false.
func (c *Client) ParsePayload(ctx context.Context, p Payload) (Session, bool) {
	return c.apply(ctx, p.Format, func() (Session, error) {
		return c.decode(ctx, p)
	})
}

// ParseSource locates a payload in src (see Locate) and verifies it. When no
// payload is present the session is cleared.
func (c *Client) ParseSource(ctx context.Context, src Source) (Session, bool) {
	p, ok := Locate(src, c.creds.AppID)
	if !ok {
		c.parseMu.Lock()
		defer c.parseMu.Unlock()
		c.replace(nil)
		return nil, false
	}
	return c.ParsePayload(ctx, p)
}

// ParseRequest reads cookies, form and query of r.
func (c *Client) ParseRequest(ctx context.Context, r *http.Request) (Session, bool) {
	return c.ParseSource(ctx, RequestSource(r))
}

// ParseCookies reads a plain cookie map.
func (c *Client) ParseCookies(ctx context.Context, cookies map[string]string) (Session, bool) {
	return c.ParseSource(ctx, CookieSource(cookies))
}

// ParseCookieHeader reads a raw Cookie header value.
func (c *Client) ParseCookieHeader(ctx context.Context, header string) (Session, bool) {
	return c.ParseSource(ctx, HeaderSource(header))
}

// Authorize exchanges a code obtained through the login dialog and makes the
// returned token the session. redirectURI must match the one the dialog was
// opened with.
func (c *Client) Authorize(ctx context.Context, code, redirectURI string) (Session, bool) {
	c.parseMu.Lock()
	defer c.parseMu.Unlock()
	s := Session{}
	if err := c.redeem(ctx, s, code, redirectURI); err != nil {
		c.logFailure(ctx, "authorize", err)
		c.replace(nil)
		return nil, false
	}
	c.replace(s)
	return s.Clone(), true
}

// AuthorizeURL returns the login dialog URL.
func (c *Client) AuthorizeURL(redirectURI, state string, scopes ...string) string {
	return c.authorizer.AuthorizeURL(redirectURI, state, scopes...)
}

// apply is the single place where a decode failure turns into an empty
// session.
func (c *Client) apply(ctx context.Context, format Format, decode func() (Session, error)) (Session, bool) {
	c.parseMu.Lock()
	defer c.parseMu.Unlock()

	s, err := decode()
	c.metrics.recordParse(ctx, format, err)
	if err != nil {
		c.logFailure(ctx, format.String(), err)
		c.replace(nil)
		return nil, false
	}
	c.replace(s)
	return s.Clone(), true
}

func (c *Client) decode(ctx context.Context, p Payload) (Session, error) {
	switch p.Format {
	case FormatFBS:
		return DecodeFBS(p.Raw, c.creds.Secret)
	case FormatJSON:
		return DecodeJSONSession(p.Raw, c.creds.Secret)
	case FormatSignedRequest:
		s, err := DecodeSignedRequest(p.Raw, c.creds.Secret)
		if err != nil {
			return nil, err
		}
		code := s.Code()
		if code == "" || s.AccessToken() != "" {
			return s, nil
		}
		if err := c.redeem(ctx, s, code, c.redirectURI); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, ErrDecode
	}
}

// redeem fills s with the access token for code, from the cache if possible.
func (c *Client) redeem(ctx context.Context, s Session, code, redirectURI string) error {
	if c.cache != nil {
		if tok, ok := c.cache.Get(code); ok && tok != "" {
			s["access_token"] = tok
			return nil
		}
	}
	if c.creds.AppID == "" || c.creds.Secret == "" {
		return ErrMissingCredentials
	}
	tok, err := c.exchanger.Exchange(ctx, code, redirectURI)
	switch {
	case err == nil && (tok == nil || tok.AccessToken == ""):
		err = fmt.Errorf("%w: no access_token in response", ErrExchange)
	case err != nil && !errors.Is(err, ErrExchange) && !errors.Is(err, ErrMissingCredentials):
		err = fmt.Errorf("%w: %w", ErrExchange, err)
	}
	c.metrics.recordExchange(ctx, err)
	if err != nil {
		return err
	}
	s["access_token"] = tok.AccessToken
	if v := tok.Extra("expires"); v != nil {
		if exp := formatValue(v); exp != "" {
			s["expires"] = exp
		}
	}
	if c.cache != nil {
		c.cache.Put(code, tok.AccessToken)
	}
	return nil
}

func (c *Client) logFailure(ctx context.Context, source string, err error) {
	level := slog.LevelDebug
	if errors.Is(err, ErrExchange) {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "facebook: payload rejected",
		slog.String("source", source),
		slog.String("app_id", c.creds.AppID),
		slog.String("reason", outcome(err)),
		slog.Any("error", err),
	)
}
