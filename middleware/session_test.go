package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnehpets/fbauth/endpoint"
	"github.com/mnehpets/fbauth/facebook"
)

const (
	testAppID  = "456"
	testSecret = "lulala"
)

func tokenEndpoint(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("code"); got != "lalalu" {
			t.Errorf("code: got %q want %q", got, "lalalu")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("access_token=lololo"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// sessionEcho renders the access token of the context session, or "none".
func sessionEcho(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return &endpoint.StringRenderer{Body: "none"}, nil
	}
	return &endpoint.StringRenderer{Body: sess.AccessToken() + "/" + sess.UserID()}, nil
}

func TestFacebookProcessor_FBSCookie(t *testing.T) {
	p, err := NewFacebookProcessor(testAppID, testSecret)
	if err != nil {
		t.Fatalf("NewFacebookProcessor: %v", err)
	}
	h := endpoint.HandleFunc(sessionEcho, p)

	fbs := facebook.EncodeFBS(facebook.Session{"access_token": "tok", "uid": "9"}, testSecret)
	tests := []struct {
		name   string
		cookie *http.Cookie
		want   string
	}{
		{name: "valid", cookie: &http.Cookie{Name: "fbs_" + testAppID, Value: fbs}, want: "tok/9"},
		{name: "forged", cookie: &http.Cookie{Name: "fbs_" + testAppID, Value: facebook.EncodeFBS(facebook.Session{"access_token": "tok"}, "guess")}, want: "none"},
		{name: "other app", cookie: &http.Cookie{Name: "fbs_1", Value: fbs}, want: "none"},
		{name: "no cookie", want: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Fatalf("body: got %q want %q", got, tt.want)
			}
		})
	}
}

func TestFacebookProcessor_TokenCookieAvoidsSecondExchange(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls)

	tc, err := NewTokenCookie("k", testKeys(t, "k"), WithSecure(false))
	if err != nil {
		t.Fatalf("NewTokenCookie: %v", err)
	}
	p, err := NewFacebookProcessor(testAppID, testSecret,
		WithTokenCookie(tc),
		WithExchangerOptions(
			facebook.WithTokenURL(srv.URL),
			facebook.WithHTTPClient(srv.Client()),
		),
	)
	if err != nil {
		t.Fatalf("NewFacebookProcessor: %v", err)
	}
	h := endpoint.HandleFunc(sessionEcho, p)

	sr, err := facebook.EncodeSignedRequest(facebook.Session{"code": "lalalu", "user_id": 123}, testSecret)
	if err != nil {
		t.Fatalf("EncodeSignedRequest: %v", err)
	}
	fbsr := &http.Cookie{Name: "fbsr_" + testAppID, Value: sr}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(fbsr)
	rec := httptest.NewRecorder()
	h(rec, req)
	if got := rec.Body.String(); got != "lololo/123" {
		t.Fatalf("first body: got %q want %q", got, "lololo/123")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("exchanges after first request: got %d want 1", got)
	}

	var sealed *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == tc.Name() {
			sealed = c
		}
	}
	if sealed == nil {
		t.Fatalf("token cookie not set")
	}
	record, err := tc.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if record.Code != "lalalu" || record.AccessToken != "lololo" || record.UserID != "123" {
		t.Fatalf("record: got %+v", record)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(fbsr)
	req.AddCookie(&http.Cookie{Name: sealed.Name, Value: sealed.Value})
	rec = httptest.NewRecorder()
	h(rec, req)
	if got := rec.Body.String(); got != "lololo/123" {
		t.Fatalf("second body: got %q want %q", got, "lololo/123")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("exchanges after second request: got %d want 1", got)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("token cookie rewritten on cache hit: %v", rec.Result().Cookies())
	}
}

func TestFacebookProcessor_ConcurrentRequestsShareExchange(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("access_token=lololo"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(unblock)

	p, err := NewFacebookProcessor(testAppID, testSecret, WithExchangerOptions(
		facebook.WithTokenURL(srv.URL),
		facebook.WithHTTPClient(srv.Client()),
	))
	if err != nil {
		t.Fatalf("NewFacebookProcessor: %v", err)
	}
	h := endpoint.HandleFunc(sessionEcho, p)
	sr, err := facebook.EncodeSignedRequest(facebook.Session{"code": "lalalu", "user_id": 123}, testSecret)
	if err != nil {
		t.Fatalf("EncodeSignedRequest: %v", err)
	}

	const n = 8
	bodies := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: "fbsr_" + testAppID, Value: sr})
			rec := httptest.NewRecorder()
			h(rec, req)
			bodies <- rec.Body.String()
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("token endpoint never called")
		}
		time.Sleep(time.Millisecond)
	}
	// Let the remaining requests reach the in-flight exchange.
	time.Sleep(100 * time.Millisecond)
	unblock()
	wg.Wait()
	close(bodies)

	for body := range bodies {
		if body != "lololo/123" {
			t.Fatalf("body: got %q want %q", body, "lololo/123")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("exchanges: got %d want 1", got)
	}
}

func TestFacebookProcessor_ExchangeFailureLeavesNoSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "error=invalid_code", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	p, err := NewFacebookProcessor(testAppID, testSecret, WithExchangerOptions(
		facebook.WithTokenURL(srv.URL),
		facebook.WithHTTPClient(srv.Client()),
	))
	if err != nil {
		t.Fatalf("NewFacebookProcessor: %v", err)
	}
	sr, _ := facebook.EncodeSignedRequest(facebook.Session{"code": "used"}, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "fbsr_" + testAppID, Value: sr})
	rec := httptest.NewRecorder()
	endpoint.HandleFunc(sessionEcho, p)(rec, req)
	if got := rec.Body.String(); got != "none" {
		t.Fatalf("body: got %q want %q", got, "none")
	}
}

func TestRequireSession(t *testing.T) {
	p, err := NewFacebookProcessor(testAppID, testSecret)
	if err != nil {
		t.Fatalf("NewFacebookProcessor: %v", err)
	}
	h := endpoint.HandleFunc(sessionEcho, p, RequireSession)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "fbs_" + testAppID, Value: facebook.EncodeFBS(facebook.Session{"access_token": "tok"}, testSecret)})
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with session: got %d want %d", rec.Code, http.StatusOK)
	}
}

func TestNewFacebookProcessor_MissingCredentials(t *testing.T) {
	if _, err := NewFacebookProcessor("", testSecret); !errors.Is(err, facebook.ErrMissingCredentials) {
		t.Fatalf("missing app id: got %v", err)
	}
	if _, err := NewFacebookProcessor(testAppID, ""); !errors.Is(err, facebook.ErrMissingCredentials) {
		t.Fatalf("missing secret: got %v", err)
	}
}

func TestSessionFromContext_EmptySession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := SessionFromContext(WithSession(req.Context(), facebook.Session{})); ok {
		t.Fatalf("empty session reported present")
	}
}
