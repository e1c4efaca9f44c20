package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// SanitizeURL trims surrounding whitespace and prepends https:// when the
// scheme is missing. It never fails; validation is a separate concern.
func SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	if !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}

// ValidateURL checks that raw parses as an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("url missing host")
	}
	return nil
}

// CanonicalURL normalises a URL for comparison: lowercased scheme and host,
// default ports and fragments stripped, path cleaned, tracking parameters
// (utm_*, fbclid, ...) removed and the remaining query sorted. Schemeless
// input defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = SanitizeURL(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	host = strings.TrimSuffix(host, defaultPort(parsed.Scheme))
	parsed.Host = host

	hadTrailingSlash := strings.HasSuffix(parsed.Path, "/")
	cleaned := path.Clean(parsed.Path)
	if cleaned == "." || cleaned == "" {
		cleaned = "/"
	}
	if hadTrailingSlash && cleaned != "/" {
		cleaned += "/"
	}
	parsed.Path = cleaned

	parsed.Fragment = ""
	parsed.RawQuery = canonicalQuery(parsed.Query())

	return parsed.String(), nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return ":80"
	case "https":
		return ":443"
	}
	return ""
}

func canonicalQuery(q url.Values) string {
	for key := range q {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		values := append([]string(nil), q[key]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			if value != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
	}
	return b.String()
}

// URLFingerprint returns a deterministic SHA-256 hex digest of the canonical URL.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
