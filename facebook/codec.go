package facebook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
)

// URLSafeDecode decodes base64url input. Trailing '=' padding is optional.
func URLSafeDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	return b, nil
}

// URLSafeEncode encodes b as unpadded base64url.
func URLSafeEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeJSONObject decodes b into a Session. Numbers are kept as json.Number so
// that they format the same way they were signed.
func decodeJSONObject(b []byte) (Session, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: json: trailing data", ErrDecode)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: json: top level is not an object", ErrDecode)
	}
	return Session(m), nil
}

// QueryDecode parses "k=v&k=v" input. The last value seen for a key wins and
// fragments that fail to unescape are dropped.
func QueryDecode(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil || key == "" {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		out[key] = val
	}
	return out
}

// queryEncode is the inverse of QueryDecode with keys in sorted order.
func queryEncode(s Session) string {
	keys := sortedKeys(s)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(formatValue(s[k])))
	}
	return strings.Join(parts, "&")
}

// canonicalString is the legacy signature input: every field but sig, sorted
// by key, joined as key=value with no separator.
func canonicalString(s Session) string {
	var sb strings.Builder
	for _, k := range sortedKeys(s) {
		if k == "sig" {
			continue
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(formatValue(s[k]))
	}
	return sb.String()
}

func sortedKeys(s Session) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue renders a session value the way it appears in a signed payload.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
