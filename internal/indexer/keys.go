package indexer

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

// UnknownDistance is the distance prefix of entries whose subject is outside the trust graph.
const UnknownDistance = 99

// disambiguatorLen is how many trailing characters of a hash or CID make keys unique.
const disambiguatorLen = 9

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func distancePrefix(d int) string {
	if d < 0 || d > UnknownDistance {
		d = UnknownDistance
	}
	return fmt.Sprintf("%03d:", d)
}

// MessageKey is the messages-by-distance key of a statement.
func MessageKey(distance int, ts time.Time, hash string) string {
	return distancePrefix(distance) + TimestampKey(ts, hash)
}

// TimestampKey is the messages-by-timestamp key of a statement.
func TimestampKey(ts time.Time, hash string) string {
	sec := ts.Unix()
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%010d:%s", sec, statement.ShortHash(hash, disambiguatorLen))
}

// StripDistance converts a distance-ordered key into its second view.
func StripDistance(key string) string {
	if len(key) > 4 && key[3] == ':' {
		return key[4:]
	}
	return key
}

// SearchValues returns the values an attribute is findable by: the value itself, its lowercase
// form, each lowercased word of a multi-word value and the last path segment of an http(s) URL.
func SearchValues(value string) []string {
	seen := map[string]bool{value: true}
	out := []string{value}
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	lower := strings.ToLower(value)
	add(lower)
	if words := strings.Fields(lower); len(words) > 1 {
		for _, w := range words {
			add(w)
		}
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if u, err := url.Parse(value); err == nil {
			segments := strings.Split(strings.Trim(u.Path, "/"), "/")
			add(strings.ToLower(segments[len(segments)-1]))
		}
	}
	return out
}

// IdentityKeys returns the identities-by-distance keys of one attribute of a profile.
func IdentityKeys(distance int, attr statement.Attribute, profile string) []string {
	suffix := ":" + encodeComponent(attr.Name) + ":" + statement.ShortHash(profile, disambiguatorLen)
	values := SearchValues(attr.Value)
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = distancePrefix(distance) + encodeComponent(v) + suffix
	}
	sort.Strings(keys)
	return keys
}

// SearchPrefix is the identities-by-searchkey prefix matching values that start with term.
func SearchPrefix(term string) string {
	return encodeComponent(strings.ToLower(term))
}

// parseIdentityKey recovers the attribute an identities-by-distance key was built from. Keys of
// derived search values yield attributes that may not exist.
func parseIdentityKey(key string) (statement.Attribute, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return statement.Attribute{}, false
	}
	value, err := url.QueryUnescape(parts[1])
	if err != nil {
		return statement.Attribute{}, false
	}
	name, err := url.QueryUnescape(parts[2])
	if err != nil {
		return statement.Attribute{}, false
	}
	return statement.Attribute{Name: name, Value: value}, true
}
