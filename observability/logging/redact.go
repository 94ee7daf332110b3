package logging

import (
	"encoding/hex"
	"log/slog"
	"net/url"
	"strings"

	"lukechampine.com/blake3"
)

// RedactedValue replaces secrets in logs and sanitized configuration.
const RedactedValue = "[REDACTED]"

// Keys the reserve daemon may log in clear text. Anything else passed through
// MaskField is redacted.
var clearKeys = map[string]struct{}{
	"component":  {},
	"error":      {},
	"operation":  {},
	"path":       {},
	"rate":       {},
	"reason":     {},
	"request_id": {},
	"reserve":    {},
	"route":      {},
}

func isClearKey(key string) bool {
	_, ok := clearKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue redacts a non-blank secret. Blank input collapses to "" so
// unset secrets do not show up as whitespace in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return RedactedValue
}

// MaskField builds a slog attribute, redacting the value unless key is one of
// the daemon's clear-text keys.
func MaskField(key, value string) slog.Attr {
	if isClearKey(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// SubjectField logs a caller identity as a short BLAKE3 fingerprint so audit
// lines for the same token subject correlate without exposing it.
func SubjectField(subject string) slog.Attr {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return slog.String("subject", "")
	}
	sum := blake3.Sum256([]byte(subject))
	return slog.String("subject", "sub-"+hex.EncodeToString(sum[:6]))
}

// MaskURL drops userinfo and query values from raw, keeping scheme, host,
// path and query keys. Unparseable input is fully redacted.
func MaskURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return RedactedValue
	}
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "redacted")
		}
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
