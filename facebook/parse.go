package facebook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format identifies one of the three signed payload encodings.
type Format int

const (
	// FormatFBS is the legacy fbs_<app_id> cookie: a query string signed with
	// the legacy digest.
	FormatFBS Format = iota + 1
	// FormatJSON is a JSON object signed with the legacy digest.
	FormatJSON
	// FormatSignedRequest is the compact "<sig>.<payload>" form carried by the
	// fbsr_<app_id> cookie and the signed_request parameter.
	FormatSignedRequest
)

func (f Format) String() string {
	switch f {
	case FormatFBS:
		return "fbs"
	case FormatJSON:
		return "json"
	case FormatSignedRequest:
		return "signed_request"
	default:
		return "unknown"
	}
}

// Payload is an untrusted raw value tagged with the format it must be decoded
// as.
type Payload struct {
	Format Format
	Raw    string
}

// candidate is a decoded payload awaiting verification.
type candidate struct {
	algorithm string
	signed    []byte
	sig       []byte
	data      Session
}

func (c candidate) verify(secret string) (Session, error) {
	if !Verify(c.algorithm, c.signed, c.sig, secret) {
		return nil, ErrSignatureMismatch
	}
	return c.data, nil
}

// DecodeFBS verifies a legacy fbs value. The value may be wrapped in one level
// of JSON string quoting, as some browsers store it.
func DecodeFBS(raw, secret string) (Session, error) {
	if secret == "" {
		return nil, ErrMissingCredentials
	}
	fields := QueryDecode(unquote(raw))
	sig, ok := fields["sig"]
	if !ok {
		return nil, fmt.Errorf("%w: no sig", ErrSignatureMismatch)
	}
	data := make(Session, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	return candidate{
		algorithm: AlgorithmLegacyMD5,
		signed:    []byte(canonicalString(data)),
		sig:       []byte(sig),
		data:      data,
	}.verify(secret)
}

func unquote(raw string) string {
	if !strings.HasPrefix(raw, `"`) {
		return raw
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return strings.TrimSuffix(strings.TrimPrefix(raw, `"`), `"`)
}

// DecodeJSONSession verifies a JSON session object. Every field except sig is
// signed, the algorithm field included.
func DecodeJSONSession(raw, secret string) (Session, error) {
	if secret == "" {
		return nil, ErrMissingCredentials
	}
	data, err := decodeJSONObject([]byte(raw))
	if err != nil {
		return nil, err
	}
	sig, ok := data["sig"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no sig", ErrSignatureMismatch)
	}
	return candidate{
		algorithm: AlgorithmLegacyMD5,
		signed:    []byte(canonicalString(data)),
		sig:       []byte(sig),
		data:      data,
	}.verify(secret)
}

// DecodeSignedRequest verifies a compact signed request. The MAC covers the
// encoded payload segment, not the decoded JSON. No token exchange is
// performed; see Client.ParseSignedRequest.
func DecodeSignedRequest(raw, secret string) (Session, error) {
	if secret == "" {
		return nil, ErrMissingCredentials
	}
	sigSeg, payloadSeg, ok := strings.Cut(raw, ".")
	if !ok || sigSeg == "" || payloadSeg == "" {
		return nil, fmt.Errorf("%w: expected <sig>.<payload>", ErrDecode)
	}
	sig, err := URLSafeDecode(sigSeg)
	if err != nil {
		return nil, err
	}
	body, err := URLSafeDecode(payloadSeg)
	if err != nil {
		return nil, err
	}
	data, err := decodeJSONObject(body)
	if err != nil {
		return nil, err
	}
	algorithm := AlgorithmHMACSHA256
	if v, ok := data["algorithm"]; ok {
		s, _ := v.(string)
		if !strings.EqualFold(s, AlgorithmHMACSHA256) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, v)
		}
	}
	return candidate{
		algorithm: algorithm,
		signed:    []byte(payloadSeg),
		sig:       sig,
		data:      data,
	}.verify(secret)
}

// EncodeFBS signs s in the legacy fbs format. Any sig already in s is
// replaced.
func EncodeFBS(s Session, secret string) string {
	unsigned := s.Clone()
	delete(unsigned, "sig")
	q := queryEncode(unsigned)
	if q != "" {
		q += "&"
	}
	return q + "sig=" + legacySignature(unsigned, secret)
}

// EncodeSignedRequest signs s in the compact signed request format.
func EncodeSignedRequest(s Session, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingCredentials
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	payload := URLSafeEncode(b)
	return URLSafeEncode(signHMAC([]byte(payload), secret)) + "." + payload, nil
}
