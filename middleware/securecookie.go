package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid token cookie format")
	ErrCookieInvalid = errors.New("invalid token cookie")
	ErrCookieConfig  = errors.New("invalid token cookie configuration")
)

// maxCookieLen bounds how much attacker-controlled data is decoded.
const maxCookieLen = 4096

// DefaultAEADKeysize is the key size for the default XChaCha20-Poly1305 AEAD.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// DefaultTokenCookieName is the default name of the token cookie.
const DefaultTokenCookieName = "fbt"

// DefaultTokenCookieMaxAge is how long a remembered token is kept.
const DefaultTokenCookieMaxAge = time.Hour

// TokenRecord is the sealed content of the token cookie: the access token
// obtained for one authorization code.
type TokenRecord struct {
	Code        string    `cbor:"1,keyasint"`
	AccessToken string    `cbor:"2,keyasint"`
	UserID      string    `cbor:"3,keyasint,omitempty"`
	Expires     time.Time `cbor:"4,keyasint"`
}

// TokenCookie seals TokenRecords into a cookie.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(record))
// with the cookie name, domain, path and secure flag bound as additional
// data. keys holds every accepted key; keyID selects the one used to seal.
type TokenCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration

	keyID   string
	keys    map[string][]byte
	newAEAD func([]byte) (cipher.AEAD, error)
}

// TokenCookieOption configures a TokenCookie.
type TokenCookieOption func(*TokenCookie)

// WithCookieName overrides DefaultTokenCookieName.
func WithCookieName(name string) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.name = name
	}
}

// WithAEAD replaces XChaCha20-Poly1305, e.g. with AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.newAEAD = f
	}
}

// WithPath configures the cookie path.
func WithPath(path string) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.secure = secure
	}
}

// WithSameSite configures the cookie SameSite attribute.
func WithSameSite(sameSite http.SameSite) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.sameSite = sameSite
	}
}

// WithMaxAge overrides DefaultTokenCookieMaxAge.
func WithMaxAge(d time.Duration) TokenCookieOption {
	return func(tc *TokenCookie) {
		tc.maxAge = d
	}
}

// NewTokenCookie creates a TokenCookie.
//
// Defaults: name "fbt", path "/", Secure, HttpOnly, SameSite=Lax, one hour.
func NewTokenCookie(keyID string, keys map[string][]byte, opts ...TokenCookieOption) (*TokenCookie, error) {
	tc := &TokenCookie{
		name:     DefaultTokenCookieName,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		maxAge:   DefaultTokenCookieMaxAge,
		keyID:    keyID,
		keys:     keys,
		newAEAD:  chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.name == "" || tc.newAEAD == nil || tc.maxAge <= 0 {
		return nil, ErrCookieConfig
	}
	if tc.path == "" {
		tc.path = "/"
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: keyID %q not found in keys", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := tc.newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return tc, nil
}

// Name returns the cookie name.
func (tc *TokenCookie) Name() string {
	return tc.name
}

func (tc *TokenCookie) aad() []byte {
	secure := "f"
	if tc.secure {
		secure = "t"
	}
	return []byte(tc.name + ":" + tc.domain + ":" + tc.path + ":" + secure)
}

// Seal encodes rec into a cookie. A zero rec.Expires is set to now + max age.
func (tc *TokenCookie) Seal(rec TokenRecord) (*http.Cookie, error) {
	if rec.Expires.IsZero() {
		rec.Expires = time.Now().Add(tc.maxAge)
	}
	maxAge := int(time.Until(rec.Expires).Seconds())
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}
	aead, err := tc.newAEAD(tc.keys[tc.keyID])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, tc.aad())
	return &http.Cookie{
		Name:     tc.name,
		Value:    tc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     tc.path,
		Domain:   tc.domain,
		MaxAge:   maxAge,
		Expires:  rec.Expires,
		Secure:   tc.secure,
		HttpOnly: true,
		SameSite: tc.sameSite,
	}, nil
}

// Open authenticates and decodes c. Expired records are rejected.
func (tc *TokenCookie) Open(c *http.Cookie) (TokenRecord, error) {
	if c == nil || len(c.Value) == 0 || len(c.Value) > maxCookieLen {
		return TokenRecord{}, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(c.Value, ".")
	if !ok || keyID == "" || enc == "" {
		return TokenRecord{}, ErrCookieFormat
	}
	key, ok := tc.keys[keyID]
	if !ok {
		return TokenRecord{}, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return TokenRecord{}, ErrCookieFormat
	}
	aead, err := tc.newAEAD(key)
	if err != nil {
		return TokenRecord{}, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return TokenRecord{}, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, tc.aad())
	if err != nil {
		return TokenRecord{}, ErrCookieInvalid
	}
	var rec TokenRecord
	if err := cbor.Unmarshal(plain, &rec); err != nil {
		return TokenRecord{}, ErrCookieInvalid
	}
	if rec.Expires.IsZero() || !time.Now().Before(rec.Expires) {
		return TokenRecord{}, ErrCookieInvalid
	}
	return rec, nil
}

// Clear returns a cookie that removes the token cookie from the client.
func (tc *TokenCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     tc.name,
		Domain:   tc.domain,
		Path:     tc.path,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   tc.secure,
		HttpOnly: true,
		SameSite: tc.sameSite,
	}
}
