package middleware

// Facebook session middleware for the endpoint processor/renderer pipeline.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mnehpets/fbauth/endpoint"
	"github.com/mnehpets/fbauth/facebook"
)

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess facebook.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the verified session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (facebook.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(facebook.Session)
	if !ok || len(sess) == 0 {
		return nil, false
	}
	return sess, true
}

// FacebookProcessor verifies the Facebook payload of each request (see
// facebook.Locate) and stores the session in the request context.
//
// Each request gets its own facebook.Client, so no session state is shared
// between requests. A request without a valid payload simply has no session;
// the processor never fails the request.
//
// With a token cookie configured, the access token obtained for an fbsr_
// code is remembered in a sealed cookie, so later requests carrying the same
// single-use code do not exchange it again.
type FacebookProcessor struct {
	appID        string
	secret       string
	clientOpts   []facebook.Option
	exchangeOpts []facebook.ExchangerOption
	exchanger    *facebook.OAuth2Exchanger
	tokenCookie  *TokenCookie
	logger       *slog.Logger
}

// FacebookOption configures a FacebookProcessor.
type FacebookOption func(*FacebookProcessor)

// WithClientOptions passes options to every per-request facebook.Client.
// Exchanger settings belong in WithExchangerOptions.
func WithClientOptions(opts ...facebook.Option) FacebookOption {
	return func(p *FacebookProcessor) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// WithExchangerOptions configures the exchanger shared by all requests.
// Concurrent requests carrying the same code share one exchange.
func WithExchangerOptions(opts ...facebook.ExchangerOption) FacebookOption {
	return func(p *FacebookProcessor) {
		p.exchangeOpts = append(p.exchangeOpts, opts...)
	}
}

// WithExchanger shares e with other users, such as a login callback, instead
// of building one from WithExchangerOptions.
func WithExchanger(e *facebook.OAuth2Exchanger) FacebookOption {
	return func(p *FacebookProcessor) {
		p.exchanger = e
	}
}

// WithTokenCookie enables the sealed token cookie.
func WithTokenCookie(tc *TokenCookie) FacebookOption {
	return func(p *FacebookProcessor) {
		p.tokenCookie = tc
	}
}

// WithLogger sets the logger for the processor and its clients.
func WithLogger(l *slog.Logger) FacebookOption {
	return func(p *FacebookProcessor) {
		p.logger = l
	}
}

// NewFacebookProcessor creates a FacebookProcessor.
func NewFacebookProcessor(appID, secret string, opts ...FacebookOption) (*FacebookProcessor, error) {
	if appID == "" || secret == "" {
		return nil, facebook.ErrMissingCredentials
	}
	p := &FacebookProcessor{
		appID:  appID,
		secret: secret,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.exchanger == nil {
		p.exchanger = facebook.NewOAuth2Exchanger(appID, secret, p.exchangeOpts...)
	}
	return p, nil
}

// Process implements endpoint.Processor.
func (p *FacebookProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	opts := []facebook.Option{facebook.WithExchanger(p.exchanger)}
	opts = append(opts, p.clientOpts...)
	opts = append(opts, facebook.WithLogger(p.logger))

	var cache *cookieTokenCache
	if p.tokenCookie != nil {
		cache = &cookieTokenCache{cookie: p.tokenCookie, r: r}
		opts = append(opts, facebook.WithTokenCache(cache))
	}

	client := facebook.New(p.appID, p.secret, opts...)
	sess, ok := client.ParseRequest(r.Context(), r)
	if !ok {
		return next(w, r)
	}

	if cache != nil && cache.pending != nil {
		rec := *cache.pending
		rec.UserID = sess.UserID()
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			c, err := p.tokenCookie.Seal(rec)
			if err != nil {
				p.logger.WarnContext(r.Context(), "facebook: sealing token cookie failed", slog.Any("error", err))
				return
			}
			http.SetCookie(w, c)
		})
	}

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

// cookieTokenCache is a per-request facebook.TokenCache backed by the token
// cookie: Get reads the request cookie, Put records what to write back.
type cookieTokenCache struct {
	cookie  *TokenCookie
	r       *http.Request
	pending *TokenRecord
}

func (c *cookieTokenCache) Get(code string) (string, bool) {
	hc, err := c.r.Cookie(c.cookie.Name())
	if err != nil {
		return "", false
	}
	rec, err := c.cookie.Open(hc)
	if err != nil || rec.Code != code || rec.AccessToken == "" {
		return "", false
	}
	return rec.AccessToken, true
}

func (c *cookieTokenCache) Put(code, accessToken string) {
	c.pending = &TokenRecord{Code: code, AccessToken: accessToken}
}

// RequireSession rejects requests that carry no verified Facebook session.
// It must run after a FacebookProcessor.
var RequireSession endpoint.Processor = endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if _, ok := SessionFromContext(r.Context()); !ok {
		return endpoint.Error(http.StatusUnauthorized, "facebook session required", errors.New("no verified session"))
	}
	return next(w, r)
})

var _ endpoint.Processor = (*FacebookProcessor)(nil)
var _ facebook.TokenCache = (*cookieTokenCache)(nil)
