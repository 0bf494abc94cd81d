// Command fbauth-demo serves a small page that verifies Facebook auth
// payloads (cookies, canvas signed requests and login dialog codes).
package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/mnehpets/fbauth/config"
	"github.com/mnehpets/fbauth/endpoint"
	"github.com/mnehpets/fbauth/facebook"
	"github.com/mnehpets/fbauth/middleware"
)

// stateCookieName holds the login dialog state until the callback.
const stateCookieName = "fbstate"

type server struct {
	cfg        *config.Config
	clientOpts []facebook.Option
}

func (s *server) client() *facebook.Client {
	return facebook.New(s.cfg.Facebook.AppID, s.cfg.Facebook.Secret, s.clientOpts...)
}

// HomeEndpoint shows the verified session, or an empty object.
func (s *server) HomeEndpoint(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		sess = facebook.Session{}
	}
	return &endpoint.JSONRenderer{Value: sess}, nil
}

// LoginEndpoint redirects to the login dialog with a fresh state, which is
// also kept in a cookie for the callback to check.
func (s *server) LoginEndpoint(_ http.ResponseWriter, r *http.Request, params struct {
	Scope string `query:"scope"`
}) (endpoint.Renderer, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		http.SetCookie(w, s.stateCookie(state, 600))
	})

	var scopes []string
	if params.Scope != "" {
		scopes = strings.Split(params.Scope, ",")
	}
	return &endpoint.RedirectRenderer{
		URL:    s.client().AuthorizeURL(s.callbackURL(), state, scopes...),
		Status: http.StatusFound,
	}, nil
}

// CallbackEndpoint checks the state and redeems the code returned by the
// login dialog. The redirect_uri sent with the exchange is this request's URI
// without code and state, which is the URI the dialog was opened with.
func (s *server) CallbackEndpoint(_ http.ResponseWriter, r *http.Request, params struct {
	Code     string `query:"code"`
	State    string `query:"state"`
	Expected string `cookie:"fbstate"`
}) (endpoint.Renderer, error) {
	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		http.SetCookie(w, s.stateCookie("", -1))
	})
	if params.Expected == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(params.Expected)) != 1 {
		return nil, endpoint.Error(http.StatusForbidden, "state mismatch", nil)
	}
	if params.Code == "" {
		return nil, endpoint.Error(http.StatusBadRequest, "missing code", nil)
	}

	u := *r.URL
	q := u.Query()
	q.Del("state")
	u.RawQuery = q.Encode()
	redirectURI := strings.TrimRight(s.cfg.PublicURL, "/") + facebook.NormalizedRequestURI(&u)

	sess, ok := s.client().Authorize(r.Context(), params.Code, redirectURI)
	if !ok {
		return nil, endpoint.Error(http.StatusUnauthorized, "login failed", nil)
	}
	return &endpoint.JSONRenderer{Value: sess}, nil
}

// CanvasEndpoint echoes the session carried by a canvas signed_request.
func (s *server) CanvasEndpoint(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, _ := middleware.SessionFromContext(r.Context())
	return &endpoint.JSONRenderer{Value: sess}, nil
}

func (s *server) callbackURL() string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/callback"
}

func (s *server) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/callback",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// newHandler wires the routes. One exchanger is shared by the callback and
// the processor so that concurrent exchanges of a code are merged.
func newHandler(cfg *config.Config, logger *slog.Logger, metrics *facebook.Metrics) (http.Handler, error) {
	exchangeOpts := []facebook.ExchangerOption{
		facebook.WithExchangeTimeout(cfg.Facebook.ExchangeTimeout),
	}
	if cfg.Facebook.TokenURL != "" {
		exchangeOpts = append(exchangeOpts, facebook.WithTokenURL(cfg.Facebook.TokenURL))
	}
	exchanger := facebook.NewOAuth2Exchanger(cfg.Facebook.AppID, cfg.Facebook.Secret, exchangeOpts...)

	s := &server{
		cfg: cfg,
		clientOpts: []facebook.Option{
			facebook.WithExchanger(exchanger),
			facebook.WithRedirectURI(cfg.Facebook.RedirectURI),
			facebook.WithLogger(logger),
			facebook.WithMetrics(metrics),
		},
	}

	procOpts := []middleware.FacebookOption{
		middleware.WithExchanger(exchanger),
		middleware.WithClientOptions(s.clientOpts...),
		middleware.WithLogger(logger),
	}
	key, err := cfg.CookieKeyBytes()
	if err != nil {
		return nil, err
	}
	if key != nil {
		tc, err := middleware.NewTokenCookie("1", map[string][]byte{"1": key},
			middleware.WithSecure(cfg.CookieSecure),
		)
		if err != nil {
			return nil, err
		}
		procOpts = append(procOpts, middleware.WithTokenCookie(tc))
	}
	fb, err := middleware.NewFacebookProcessor(cfg.Facebook.AppID, cfg.Facebook.Secret, procOpts...)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", endpoint.HandleFunc(s.HomeEndpoint, fb))
	mux.Handle("GET /login", endpoint.HandleFunc(s.LoginEndpoint))
	mux.Handle("GET /callback", endpoint.HandleFunc(s.CallbackEndpoint))
	mux.Handle("POST /canvas", endpoint.HandleFunc(s.CanvasEndpoint, fb, middleware.RequireSession))
	return mux, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	metrics, err := facebook.NewMetrics(otel.Meter("github.com/mnehpets/fbauth"))
	if err != nil {
		log.Fatal(err)
	}
	handler, err := newHandler(cfg, logger, metrics)
	if err != nil {
		log.Fatal(err)
	}

	logger.Info("listening", slog.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatal(err)
	}
}
