// Package privacy redacts personally identifiable content from payloads
// before they leave the trust boundary toward a third-party model.
package privacy

import (
	"regexp"
	"strings"
)

// Redacted replaces every detected PII value. Filtering is idempotent:
// a payload containing only Redacted tokens is returned unchanged.
const Redacted = "[REDACTED]"

// sensitiveKeySubstrings flags any key containing one of these fragments.
var sensitiveKeySubstrings = []string{
	"password", "secret", "token", "api_key", "apikey",
	"ssn", "social_security", "credit_card", "card_number", "cc_number", "cvv",
	"email", "phone", "address", "date_of_birth", "dob", "passport",
}

// Filter detects and redacts PII in structured payloads.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter builds a filter with the standard pattern set: emails, phone
// numbers, card numbers, SSNs, and IP addresses.
func NewFilter() *Filter {
	return &Filter{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
			regexp.MustCompile(`(?:\+?\d{1,3}[-. (]?)?\d{3}[-. )]?\d{3}[-. ]?\d{4}\b`),
			regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		},
	}
}

// FilterMap returns a deep copy of data with PII redacted, and whether any
// redaction happened. Keys matching a sensitive fragment have their whole
// value replaced; other string values are pattern-scrubbed.
func (f *Filter) FilterMap(data map[string]any) (map[string]any, bool) {
	if data == nil {
		return nil, false
	}
	detected := false
	out := make(map[string]any, len(data))
	for key, value := range data {
		if f.sensitiveKey(key) {
			if s, ok := value.(string); !ok || s != Redacted {
				detected = true
			}
			out[key] = Redacted
			continue
		}
		filtered, hit := f.filterValue(value)
		detected = detected || hit
		out[key] = filtered
	}
	return out, detected
}

// ScrubText pattern-scrubs free text.
func (f *Filter) ScrubText(text string) (string, bool) {
	detected := false
	for _, pattern := range f.patterns {
		if pattern.MatchString(text) {
			detected = true
			text = pattern.ReplaceAllString(text, Redacted)
		}
	}
	return text, detected
}

func (f *Filter) filterValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		return f.ScrubText(v)
	case map[string]any:
		return f.FilterMap(v)
	case []any:
		detected := false
		out := make([]any, len(v))
		for i, item := range v {
			filtered, hit := f.filterValue(item)
			detected = detected || hit
			out[i] = filtered
		}
		return out, detected
	default:
		return value, false
	}
}

func (f *Filter) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeySubstrings {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
