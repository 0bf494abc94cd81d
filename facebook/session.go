package facebook

import "maps"

// Session is a verified set of identity fields, e.g. access_token, user_id,
// code, expires and sig. A nil or empty Session means nothing was verified.
type Session map[string]any

// String returns the value for key formatted as it was signed.
func (s Session) String(key string) (string, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return "", false
	}
	return formatValue(v), true
}

// AccessToken returns access_token, or oauth_token as carried by canvas
// signed requests.
func (s Session) AccessToken() string {
	if v, ok := s.String("access_token"); ok {
		return v
	}
	v, _ := s.String("oauth_token")
	return v
}

// UserID returns user_id, or uid as carried by the legacy fbs cookie.
func (s Session) UserID() string {
	if v, ok := s.String("user_id"); ok {
		return v
	}
	v, _ := s.String("uid")
	return v
}

// Code returns the authorization code of a signed request, if any.
func (s Session) Code() string {
	v, _ := s.String("code")
	return v
}

// Clone returns a shallow copy of s. A nil Session clones to an empty one.
func (s Session) Clone() Session {
	out := make(Session, len(s))
	maps.Copy(out, s)
	return out
}
