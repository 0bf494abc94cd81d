package facebook

import (
	"net/http"
	"net/url"
	"strings"
)

// SignedRequestParam is the body or query field carrying a signed request.
const SignedRequestParam = "signed_request"

// Source exposes the parts of an inbound request that may carry a payload.
// It is read only.
type Source interface {
	Cookie(name string) (string, bool)
	Param(name string) (string, bool)
}

// FBSRCookieName is the cookie set by the JavaScript SDK holding a signed
// request.
func FBSRCookieName(appID string) string { return "fbsr_" + appID }

// FBSCookieName is the legacy session cookie.
func FBSCookieName(appID string) string { return "fbs_" + appID }

// Locate picks the one payload to verify, in strict priority order:
//
//  1. cookie fbsr_<appID> (signed request)
//  2. cookie fbs_<appID> (legacy fbs)
//  3. param signed_request, body before query (signed request)
//
// Empty values are treated as absent. Without an appID the cookie steps are
// skipped.
func Locate(src Source, appID string) (Payload, bool) {
	if src == nil {
		return Payload{}, false
	}
	if appID != "" {
		if v, ok := src.Cookie(FBSRCookieName(appID)); ok && v != "" {
			return Payload{Format: FormatSignedRequest, Raw: v}, true
		}
		if v, ok := src.Cookie(FBSCookieName(appID)); ok && v != "" {
			return Payload{Format: FormatFBS, Raw: v}, true
		}
	}
	if v, ok := src.Param(SignedRequestParam); ok && v != "" {
		return Payload{Format: FormatSignedRequest, Raw: v}, true
	}
	return Payload{}, false
}

// RequestSource adapts an *http.Request.
func RequestSource(r *http.Request) Source {
	return requestSource{r: r}
}

type requestSource struct {
	r *http.Request
}

func (s requestSource) Cookie(name string) (string, bool) {
	if s.r == nil {
		return "", false
	}
	c, err := s.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (s requestSource) Param(name string) (string, bool) {
	if s.r == nil {
		return "", false
	}
	if err := s.r.ParseForm(); err == nil {
		if vs, ok := s.r.PostForm[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	}
	if s.r.URL == nil {
		return "", false
	}
	vs, ok := s.r.URL.Query()[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// CookieSource adapts a plain cookie map. It has no params.
type CookieSource map[string]string

func (c CookieSource) Cookie(name string) (string, bool) {
	v, ok := c[name]
	return v, ok
}

func (CookieSource) Param(string) (string, bool) { return "", false }

// HeaderSource parses a raw Cookie header. Parsing is lenient: pairs are split
// on ';' and values are kept verbatim, quotes included, since the fbs cookie
// is not always a valid RFC 6265 value.
func HeaderSource(header string) Source {
	cookies := CookieSource{}
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		if _, seen := cookies[name]; !seen {
			cookies[name] = value
		}
	}
	return cookies
}

// NormalizedRequestURI returns u without the code, session and signed_request
// query parameters, for use as the redirect_uri of a code exchange.
func NormalizedRequestURI(u *url.URL) string {
	if u == nil {
		return ""
	}
	out := *u
	q := out.Query()
	for _, k := range []string{"code", "session", SignedRequestParam} {
		q.Del(k)
	}
	out.RawQuery = q.Encode()
	out.ForceQuery = false
	out.Fragment = ""
	out.RawFragment = ""
	return out.String()
}
