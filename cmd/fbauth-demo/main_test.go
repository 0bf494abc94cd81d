package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnehpets/fbauth/config"
)

type tokenServer struct {
	calls        atomic.Int32
	mu           sync.Mutex
	redirectURIs []string
}

func newTestHandler(t *testing.T) (http.Handler, *tokenServer) {
	t.Helper()
	ts := &tokenServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		ts.mu.Lock()
		ts.redirectURIs = append(ts.redirectURIs, r.PostForm.Get("redirect_uri"))
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("access_token=lololo"))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Facebook: config.FacebookConfig{
			AppID:           "456",
			Secret:          "lulala",
			TokenURL:        srv.URL,
			ExchangeTimeout: 5 * time.Second,
		},
		PublicURL: "http://app.example/",
	}
	h, err := newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	return h, ts
}

func login(t *testing.T, h http.Handler) (state string, cookie *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status: got %d want %d", rec.Code, http.StatusFound)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	state = loc.Query().Get("state")
	if state == "" {
		t.Fatalf("login URL has no state: %s", loc)
	}
	if got := loc.Query().Get("redirect_uri"); got != "http://app.example/callback" {
		t.Fatalf("redirect_uri: got %q want %q", got, "http://app.example/callback")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != state {
		t.Fatalf("state cookie: got %v want value %q", cookie, state)
	}
	if !cookie.HttpOnly || cookie.Path != "/callback" {
		t.Fatalf("state cookie attributes: got %+v", cookie)
	}
	return state, cookie
}

func TestCallback_MatchingState(t *testing.T) {
	h, ts := newTestHandler(t)
	state, cookie := login(t, h)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=lalalu&state="+url.QueryEscape(state), nil)
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var sess map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("body: %v", err)
	}
	if sess["access_token"] != "lololo" {
		t.Fatalf("session: got %v", sess)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("exchanges: got %d want 1", got)
	}
	if got := ts.redirectURIs[0]; got != "http://app.example/callback" {
		t.Fatalf("exchange redirect_uri: got %q want %q", got, "http://app.example/callback")
	}
}

func TestCallback_RejectsBadState(t *testing.T) {
	h, ts := newTestHandler(t)
	state, cookie := login(t, h)

	tests := []struct {
		name   string
		query  string
		cookie *http.Cookie
	}{
		{name: "no cookie", query: "code=lalalu&state=" + url.QueryEscape(state)},
		{name: "wrong state", query: "code=lalalu&state=forged", cookie: cookie},
		{name: "no state", query: "code=lalalu", cookie: cookie},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/callback?"+tt.query, nil)
			if tt.cookie != nil {
				req.AddCookie(&http.Cookie{Name: tt.cookie.Name, Value: tt.cookie.Value})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status: got %d want %d", rec.Code, http.StatusForbidden)
			}
		})
	}
	if got := ts.calls.Load(); got != 0 {
		t.Fatalf("exchanges: got %d want 0", got)
	}
}
