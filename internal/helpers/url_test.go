package helpers

import (
	"strings"
	"testing"
)

func TestSanitizeURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"example.com/article", "https://example.com/article"},
		{"  https://example.com  ", "https://example.com"},
		{"//cdn.example.com/a", "https://cdn.example.com/a"},
		{"http://example.com", "http://example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeURL(tt.in); got != tt.want {
			t.Fatalf("SanitizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()
	if err := ValidateURL("https://example.com/page"); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
	for _, bad := range []string{"ftp://example.com", "https://", "://nohost"} {
		if err := ValidateURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "defaults https and cleans path",
			in:   "Example.com/news/../tech/latest",
			want: "https://example.com/tech/latest",
		},
		{
			name: "removes default port and tracking params",
			in:   "http://news.example.com:80/article?id=123&utm_source=rss#section",
			want: "http://news.example.com/article?id=123",
		},
		{
			name: "sorts query parameters and preserves trailing slash",
			in:   "https://example.com/path/?b=2&a=1&fbclid=xyz",
			want: "https://example.com/path/?a=1&b=2",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("CanonicalURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL() got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestURLFingerprintDeterministic(t *testing.T) {
	t.Parallel()
	raw := "https://Example.com/Article?utm_campaign=foo&a=1&b=2"
	fp1, err := URLFingerprint(raw)
	if err != nil {
		t.Fatalf("URLFingerprint: %v", err)
	}
	fp2, err := URLFingerprint(strings.ReplaceAll(raw, "https://", "HTTPS://"))
	if err != nil {
		t.Fatalf("URLFingerprint: %v", err)
	}
	if fp1 == "" || fp1 != fp2 {
		t.Fatalf("expected deterministic fingerprint, got %s vs %s", fp1, fp2)
	}
}
