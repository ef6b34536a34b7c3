package common

import (
	"errors"
	"fmt"
)

// Per-request failure classes. The pipeline maps each of them onto an HTTP
// status; none of them are retried.
var (
	ErrOriginDenied        = errors.New("origin denied")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrMessageConstruction = errors.New("message construction failed")
	ErrRelayFailed         = errors.New("relay failed")
)

// WrapOriginDenied annotates a guard rejection.
func WrapOriginDenied(origin string) error {
	if origin == "" {
		origin = "unknown"
	}
	return fmt.Errorf("%w: %s", ErrOriginDenied, origin)
}

// WrapMalformed annotates a decoder failure. The decoder diagnostic is kept in
// the message because it is echoed back to the client.
func WrapMalformed(err error) error {
	if err == nil {
		return ErrMalformedPayload
	}
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}

// WrapConstruction annotates an error raised while building the outgoing
// message (bad address syntax, unrenderable headers).
func WrapConstruction(err error) error {
	if err == nil {
		return ErrMessageConstruction
	}
	return fmt.Errorf("%w: %w", ErrMessageConstruction, err)
}

// WrapRelay annotates a transport failure. The wrapped error stays reachable
// through errors.As so callers can inspect the failing phase.
func WrapRelay(err error) error {
	if err == nil {
		return ErrRelayFailed
	}
	return fmt.Errorf("%w: %w", ErrRelayFailed, err)
}
