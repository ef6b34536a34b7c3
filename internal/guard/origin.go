// Package guard implements the origin allowlist check that runs before any
// mail is composed or relayed.
package guard

import (
	"reflect"

	"github.com/rs/zerolog"

	common "github.com/example/mail-relay/internal/adapters/common"
)

// Decision is the outcome of an origin check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// OriginGuard matches the declared request origin against a fixed allowlist.
// The allowlist is built once and only read afterwards, so a single guard is
// shared by all requests without locking.
type OriginGuard struct {
	logger  zerolog.Logger
	ordered []string
	allowed map[string]struct{}
}

// New builds a guard from the configured origins. Duplicates are dropped,
// order is preserved.
func New(origins []string, logger zerolog.Logger) *OriginGuard {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	g := &OriginGuard{
		logger:  logger,
		allowed: make(map[string]struct{}, len(origins)),
	}
	for _, o := range origins {
		if o == "" {
			continue
		}
		if _, ok := g.allowed[o]; ok {
			continue
		}
		g.allowed[o] = struct{}{}
		g.ordered = append(g.ordered, o)
	}
	return g
}

// Decide returns Allow only for an exact allowlist match.
func (g *OriginGuard) Decide(origin string) Decision {
	if origin == "" {
		return Deny
	}
	if _, ok := g.allowed[origin]; ok {
		return Allow
	}
	return Deny
}

// Check returns nil when the origin is allowed and an error wrapping
// common.ErrOriginDenied otherwise. Denials are logged.
func (g *OriginGuard) Check(origin string) error {
	if g.Decide(origin) == Allow {
		return nil
	}

	logged := origin
	if logged == "" {
		logged = "unknown"
	}
	g.logger.Warn().
		Str("origin", logged).
		Msg("request from disallowed origin rejected")
	return common.WrapOriginDenied(origin)
}

// Origins returns a copy of the allowlist in configuration order.
func (g *OriginGuard) Origins() []string {
	return append([]string(nil), g.ordered...)
}
