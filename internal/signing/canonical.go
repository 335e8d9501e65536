// Package signing builds and verifies signed canary URLs.
//
// A signed URL carries ts (unix seconds), an optional nonce and src, and sig,
// the hex HMAC-SHA256 of "{ts}|{path}|{canonical query}". The HMAC key is
// HMAC(master, "token:"+token), so a leaked URL cannot be used to sign for
// any other token.
package signing

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PratikDhanave/kanariya/internal/digest"
)

// Query parameter names understood by the ingestion endpoint.
const (
	ParamTimestamp = "ts"
	ParamSignature = "sig"
	ParamNonce     = "nonce"
	ParamSource    = "src"
)

type pair struct {
	key, value string
}

// CanonicalQuery returns the sorted, escaped key=value list of q without sig.
// Pairs sort by key, then by value, so parameter order on the wire is irrelevant.
func CanonicalQuery(q url.Values) string {
	pairs := make([]pair, 0, len(q))
	for k, vs := range q {
		if k == ParamSignature {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{key: k, value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = escape(p.key) + "=" + escape(p.value)
	}
	return strings.Join(parts, "&")
}

// escape percent-encodes everything except RFC 3986 unreserved characters.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// StringToSign joins the signed components.
func StringToSign(ts int64, path, canonicalQuery string) string {
	return strconv.FormatInt(ts, 10) + "|" + path + "|" + canonicalQuery
}

// DeriveKey returns the per-token signing key for masterSecret.
func DeriveKey(masterSecret, token string) string {
	return digest.HMACHex(masterSecret, "token:"+token)
}

// Sign returns the hex signature of the request described by path and q under key.
func Sign(key string, ts int64, path string, q url.Values) string {
	return digest.HMACHex(key, StringToSign(ts, path, CanonicalQuery(q)))
}

// Params are the signed inputs of a canary URL.
type Params struct {
	Timestamp int64
	Source    string
	Nonce     string
}

// SignURL returns base + "/" + token with a signed query string.
// key is the HMAC key used directly; callers pass DeriveKey output for derived signing.
func SignURL(base *url.URL, token string, p Params, key string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("base url required")
	}
	if token == "" {
		return nil, fmt.Errorf("token required")
	}
	if key == "" {
		return nil, ErrNotConfigured
	}

	path := strings.TrimRight(base.Path, "/") + "/" + token

	q := url.Values{}
	q.Set(ParamTimestamp, strconv.FormatInt(p.Timestamp, 10))
	if p.Source != "" {
		q.Set(ParamSource, p.Source)
	}
	if p.Nonce != "" {
		q.Set(ParamNonce, p.Nonce)
	}

	canonical := CanonicalQuery(q)
	sig := digest.HMACHex(key, StringToSign(p.Timestamp, path, canonical))

	u := *base
	u.Path = path
	u.RawPath = ""
	u.RawQuery = canonical + "&" + ParamSignature + "=" + sig
	u.Fragment = ""
	return &u, nil
}
