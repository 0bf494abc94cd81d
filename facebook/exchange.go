package facebook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTokenURL is the endpoint that trades an authorization code for an
	// access token.
	DefaultTokenURL = "https://graph.facebook.com/oauth/access_token"
	// DefaultAuthURL is the login dialog endpoint.
	DefaultAuthURL = "https://graph.facebook.com/oauth/authorize"
	// DefaultExchangeTimeout bounds a single exchange call.
	DefaultExchangeTimeout = 10 * time.Second
)

// Exchanger trades an authorization code for an access token. Implementations
// make a single attempt.
type Exchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
}

// TokenCache remembers access tokens already obtained for a code, so that a
// replayed signed request does not spend the single-use code twice.
type TokenCache interface {
	Get(code string) (accessToken string, ok bool)
	Put(code, accessToken string)
}

// OAuth2Exchanger exchanges codes against the Facebook token endpoint.
type OAuth2Exchanger struct {
	config     oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
	group      singleflight.Group
}

// ExchangerOption configures an OAuth2Exchanger.
type ExchangerOption func(*OAuth2Exchanger)

// WithTokenURL overrides DefaultTokenURL.
func WithTokenURL(u string) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.config.Endpoint.TokenURL = u
	}
}

// WithAuthURL overrides DefaultAuthURL.
func WithAuthURL(u string) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.config.Endpoint.AuthURL = u
	}
}

// WithHTTPClient sets the client used for the exchange request.
func WithHTTPClient(c *http.Client) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.httpClient = c
	}
}

// WithExchangeTimeout overrides DefaultExchangeTimeout. Non-positive values
// are ignored.
func WithExchangeTimeout(d time.Duration) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewOAuth2Exchanger creates an exchanger for the given credentials.
func NewOAuth2Exchanger(appID, secret string, opts ...ExchangerOption) *OAuth2Exchanger {
	e := &OAuth2Exchanger{
		config: oauth2.Config{
			ClientID:     appID,
			ClientSecret: secret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   DefaultAuthURL,
				TokenURL:  DefaultTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		timeout: DefaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	base := e.httpClient
	if base == nil {
		base = http.DefaultClient
	}
	hc := *base
	hc.Transport = formResponseTransport{next: base.Transport}
	e.httpClient = &hc
	return e
}

// maxTokenResponse matches the limit oauth2 applies when reading a token
// response.
const maxTokenResponse = 1 << 20

// formResponseTransport labels successful token responses so that oauth2
// parses them correctly. The endpoint answers with a key=value body under
// whatever Content-Type it likes; oauth2 only parses that form for
// text/plain and form content types and treats everything else as JSON.
type formResponseTransport struct {
	next http.RoundTripper
}

func (t formResponseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
	case bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")):
		resp.Header.Set("Content-Type", "application/json")
	default:
		resp.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return resp, nil
}

// Exchange posts client_id, client_secret, code and redirect_uri to the token
// endpoint. redirect_uri is always sent, even when empty, since codes issued
// to the JavaScript SDK are bound to an empty redirect URI.
//
// Concurrent calls for the same code share one request. A caller whose ctx
// is done stops waiting without cancelling the shared request.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	if e.config.ClientID == "" || e.config.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrExchange)
	}
	ch := e.group.DoChan(redirectURI+"\x00"+code, func() (any, error) {
		// Other callers may be waiting on this call; only the timeout bounds it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
		tok, err := e.config.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExchange, err)
		}
		if tok.AccessToken == "" {
			return nil, fmt.Errorf("%w: no access_token in response", ErrExchange)
		}
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExchange, ctx.Err())
	}
}

// AuthorizeURL returns the login dialog URL that sends the user back to
// redirectURI with a code.
func (e *OAuth2Exchanger) AuthorizeURL(redirectURI, state string, scopes ...string) string {
	conf := e.config
	conf.RedirectURL = redirectURI
	conf.Scopes = scopes
	return conf.AuthCodeURL(state)
}
