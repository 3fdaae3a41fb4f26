package indexer

import (
	"fmt"
	"testing"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

func TestMessageKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	hash := "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"

	tests := []struct {
		distance int
		want     string
	}{
		{0, "000:1700000000:enxquvyku"},
		{3, "003:1700000000:enxquvyku"},
		{UnknownDistance, "099:1700000000:enxquvyku"},
		{-1, "099:1700000000:enxquvyku"},
		{250, "099:1700000000:enxquvyku"},
	}
	for _, tt := range tests {
		if got := MessageKey(tt.distance, ts, hash); got != tt.want {
			t.Errorf("MessageKey(%d) = %q, want %q", tt.distance, got, tt.want)
		}
	}

	if got := StripDistance(MessageKey(2, ts, hash)); got != TimestampKey(ts, hash) {
		t.Errorf("StripDistance = %q, want %q", got, TimestampKey(ts, hash))
	}
	if got := TimestampKey(time.Unix(-5, 0), hash); got != "0000000000:enxquvyku" {
		t.Errorf("TimestampKey before epoch = %q", got)
	}
}

func TestStripDistance(t *testing.T) {
	tests := map[string]string{
		"001:alice:name:abc": "alice:name:abc",
		"099:x":              "x",
		"abc":                "abc",
		"0012:x":             "0012:x",
	}
	for in, want := range tests {
		if got := StripDistance(in); got != want {
			t.Errorf("StripDistance(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchValues(t *testing.T) {
	tests := []struct {
		value string
		want  []string
	}{
		{"alice@example.com", []string{"alice@example.com"}},
		{"Alice@Example.com", []string{"Alice@Example.com", "alice@example.com"}},
		{"Martti Malmi", []string{"Martti Malmi", "martti malmi", "martti", "malmi"}},
		{"https://github.com/Alice/", []string{"https://github.com/Alice/", "https://github.com/alice/", "alice"}},
		{"http://example.com", []string{"http://example.com"}},
	}
	for _, tt := range tests {
		if got := SearchValues(tt.value); fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("SearchValues(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestIdentityKeys(t *testing.T) {
	profile := "bafyreigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	attr := statement.Attribute{Name: "name", Value: "Bob Smith"}

	got := IdentityKeys(1, attr, profile)
	want := []string{
		"001:Bob%20Smith:name:qy55fbzdi",
		"001:bob%20smith:name:qy55fbzdi",
		"001:bob:name:qy55fbzdi",
		"001:smith:name:qy55fbzdi",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("IdentityKeys = %q, want %q", got, want)
	}

	back, ok := parseIdentityKey(got[0])
	if !ok || back != attr {
		t.Errorf("parseIdentityKey(%q) = %v, %v", got[0], back, ok)
	}
}

func TestIdentityKeysEscapeSeparators(t *testing.T) {
	attr := statement.Attribute{Name: "url", Value: "https://example.com/a:b?c=d&e"}
	keys := IdentityKeys(0, attr, "bafyprofile123456789")
	if len(keys) != 2 {
		t.Fatalf("IdentityKeys = %q, want the value and its last path segment", keys)
	}
	found := false
	for _, k := range keys {
		back, ok := parseIdentityKey(k)
		if !ok {
			t.Errorf("key %q does not split into four components", k)
		}
		found = found || back == attr
	}
	if !found {
		t.Errorf("no key of %q parses back to %v", keys, attr)
	}
}

func TestSearchPrefix(t *testing.T) {
	if got := SearchPrefix("Bob Sm"); got != "bob%20sm" {
		t.Errorf("SearchPrefix = %q", got)
	}
}
