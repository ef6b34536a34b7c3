package common

import "unicode/utf8"

// DefaultRawBodyLimit defines the maximum number of characters retained from a
// relay reply when attaching it to a ProviderResponse.
const DefaultRawBodyLimit = 512

// Provider response statuses.
const (
	StatusSent     = "sent"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// ProviderResponse is the normalized outcome of a single relay attempt.
type ProviderResponse struct {
	Status  string            `json:"status"`
	Code    *int              `json:"code,omitempty"`
	Phase   string            `json:"phase,omitempty"`
	Message string            `json:"message,omitempty"`
	Raw     string            `json:"raw,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// CodeValue returns the reply code or zero when the relay never answered.
func (r *ProviderResponse) CodeValue() int {
	if r == nil || r.Code == nil {
		return 0
	}
	return *r.Code
}

// TruncateRaw trims the supplied string to the specified rune limit. If limit
// is zero or negative it returns an empty string.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
