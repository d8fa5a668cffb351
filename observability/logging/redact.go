package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys emitted by the loan service that never carry secrets.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"loan":      {},
	"op":        {},
	"caller":    {},
	"asset":     {},
	"amount":    {},
	"status":    {},
	"listen":    {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the allowlisted keys, sorted.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskDSN keeps the scheme, host and database of a URL-style DSN and redacts
// credentials and query parameters. Non-URL DSNs (sqlite paths) are returned
// without their query string.
func MaskDSN(key, dsn string) slog.Attr {
	trimmed := strings.TrimSpace(dsn)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		base, _, _ := strings.Cut(trimmed, "?")
		return slog.String(key, base)
	}
	if parsed.User != nil {
		parsed.User = url.User(RedactedValue)
	}
	parsed.RawQuery = ""
	return slog.String(key, parsed.String())
}
