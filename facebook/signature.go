package facebook

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// AlgorithmHMACSHA256 is the only algorithm accepted for signed requests.
	AlgorithmHMACSHA256 = "HMAC-SHA256"
	// AlgorithmLegacyMD5 is the keyed digest used by the fbs cookie and the
	// JSON session format: hex(md5(canonical + secret)).
	AlgorithmLegacyMD5 = "MD5"
)

// Verify reports whether claimed is the signature of payload under secret.
//
// For AlgorithmHMACSHA256 claimed is the raw MAC. For AlgorithmLegacyMD5
// payload is the canonical string and claimed is the lowercase hex digest.
// An empty secret never verifies.
func Verify(algorithm string, payload, claimed []byte, secret string) bool {
	if secret == "" || len(claimed) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(algorithm, AlgorithmHMACSHA256):
		return hmac.Equal(signHMAC(payload, secret), claimed)
	case algorithm == AlgorithmLegacyMD5:
		want := legacyDigest(payload, secret)
		return subtle.ConstantTimeCompare([]byte(want), claimed) == 1
	default:
		return false
	}
}

func signHMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func legacyDigest(payload []byte, secret string) string {
	h := md5.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// legacySignature signs every field of s except sig.
func legacySignature(s Session, secret string) string {
	return legacyDigest([]byte(canonicalString(s)), secret)
}
