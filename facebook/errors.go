package facebook

import "errors"

var (
	// ErrDecode reports malformed base64, JSON or query input.
	ErrDecode = errors.New("facebook: malformed payload")
	// ErrSignatureMismatch reports a well-formed payload whose signature does not verify.
	ErrSignatureMismatch = errors.New("facebook: signature mismatch")
	// ErrUnsupportedAlgorithm reports a signed request declaring an algorithm other than HMAC-SHA256.
	ErrUnsupportedAlgorithm = errors.New("facebook: unsupported algorithm")
	// ErrMissingCredentials reports a client without an app id or secret.
	ErrMissingCredentials = errors.New("facebook: missing credentials")
	// ErrExchange reports a failed authorization code exchange.
	ErrExchange = errors.New("facebook: token exchange failed")
)
