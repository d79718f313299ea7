package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveMarkers are matched against normalised attribute keys, so
// "hmacSecret", "hmac_secret" and "HMAC-SECRET" are all masked.
var sensitiveMarkers = []string{
	"secret",
	"token",
	"passphrase",
	"password",
	"privatekey",
	"apikey",
}

func normaliseKey(key string) string {
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(strings.ToLower(strings.TrimSpace(key)))
}

// IsSensitive reports whether values logged under key are masked by the
// handler installed by SetupWithOptions.
func IsSensitive(key string) bool {
	normalised := normaliseKey(key)
	if normalised == "authorization" {
		return true
	}
	for _, marker := range sensitiveMarkers {
		if strings.Contains(normalised, marker) {
			return true
		}
	}
	return false
}

// MaskValue returns RedactedValue for non-empty values and leaves blanks
// untouched.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAuthorization keeps the scheme of an Authorization header and masks the
// credential, so "Bearer abc" logs as "Bearer [REDACTED]".
func MaskAuthorization(header string) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return MaskValue(header)
	}
	return scheme + " " + MaskValue(credential)
}

// redactAttr masks the value of a sensitive attribute. The JSON handler
// passes group members individually, so nested keys are covered too.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if normaliseKey(attr.Key) == "authorization" && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskAuthorization(attr.Value.String()))
	}
	if attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return slog.String(attr.Key, RedactedValue)
}
