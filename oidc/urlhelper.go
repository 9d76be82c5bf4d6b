package oidc

import (
	"net/url"
	"strings"
)

// ParseQueryString parses a query string into a flat key/value map. Unlike
// net/url.ParseQuery it tolerates bare keys without a value, keeps the last
// value for duplicate keys, and strips a single leading "/" from keys (some
// IdPs redirect to fragment URLs of the form "#/access_token=...").
func ParseQueryString(queryString string) map[string]string {
	data := map[string]string{}
	if queryString == "" {
		return data
	}
	if strings.HasPrefix(queryString, "?") {
		queryString = queryString[1:]
	}
	for _, pair := range strings.Split(queryString, "&") {
		if pair == "" {
			continue
		}
		var escapedKey, escapedValue string
		if idx := strings.Index(pair, "="); idx == -1 {
			escapedKey = pair
		} else {
			escapedKey = pair[:idx]
			escapedValue = pair[idx+1:]
		}
		key := unescape(escapedKey)
		value := unescape(escapedValue)
		if strings.HasPrefix(key, "/") {
			key = key[1:]
		}
		data[key] = value
	}
	return data
}

// HashFragmentParams parses a "#..." hash fragment into key/value pairs.
// Anything before a "?" inside the fragment is discarded, so both
// "#access_token=..." and "#/callback?access_token=..." forms work. A
// fragment that does not start with "#" yields an empty map.
func HashFragmentParams(fragment string) map[string]string {
	hash := unescape(fragment)
	if !strings.HasPrefix(hash, "#") {
		return map[string]string{}
	}
	if idx := strings.Index(hash, "?"); idx > -1 {
		hash = hash[idx+1:]
	} else {
		hash = hash[1:]
	}
	return ParseQueryString(hash)
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(strings.ReplaceAll(s, "+", "%2B")); err == nil {
		return u
	}
	return s
}
