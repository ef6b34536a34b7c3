package util

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

var (
	// ErrInvalidEmail is returned when an email address cannot be parsed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidOrigin indicates that an allowlist entry is not a bare
	// scheme://host[:port] origin.
	ErrInvalidOrigin = errors.New("invalid origin")
)

// ParseMailbox parses an RFC 5322 mailbox such as "user@example.com" or
// "Forms <forms@example.com>".
func ParseMailbox(value string) (*mail.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: value is empty", ErrInvalidEmail)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEmail, trimmed, err)
	}
	if addr.Address == "" {
		return nil, fmt.Errorf("%w: %q has no address", ErrInvalidEmail, trimmed)
	}

	return addr, nil
}

// AddressDomain returns the part after the last '@' of an address.
func AddressDomain(address string) string {
	if idx := strings.LastIndex(address, "@"); idx >= 0 && idx+1 < len(address) {
		return address[idx+1:]
	}
	return "localhost"
}

// ValidateOrigin ensures the value is an HTTP(S) origin without path, query or
// fragment. The value is returned unchanged apart from surrounding whitespace,
// since origins are matched exactly.
func ValidateOrigin(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidOrigin)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidOrigin, trimmed)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required in %q", ErrInvalidOrigin, trimmed)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("%w: %q must not carry a path, query or credentials", ErrInvalidOrigin, trimmed)
	}

	return strings.TrimSuffix(trimmed, "/"), nil
}

// SplitFields splits on any run of whitespace and drops empty entries.
func SplitFields(raw string) []string {
	return strings.Fields(raw)
}

// SplitList splits a comma separated list, trimming entries and dropping
// empty ones.
func SplitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnsureMaxBytes checks that a byte slice does not exceed the specified size.
func EnsureMaxBytes(field string, b []byte, max int) error {
	if max <= 0 {
		return nil
	}
	if len(b) > max {
		return fmt.Errorf("%s exceeds maximum size of %d bytes", field, max)
	}
	return nil
}
