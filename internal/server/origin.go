// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the compiled form of Config.AllowedOrigins.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// newOriginPolicy compiles origins. "*" allows any origin. It also returns
// the normalized entries that were kept and the invalid ones that were not.
func newOriginPolicy(origins []string) (policy originPolicy, kept, rejected []string) {
	policy = originPolicy{allowed: make(map[string]struct{}, len(origins))}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			if !policy.allowAll {
				kept = append(kept, "*")
			}
			policy.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			rejected = append(rejected, origin)
			continue
		}
		if _, dup := policy.allowed[normalized]; !dup {
			policy.allowed[normalized] = struct{}{}
			kept = append(kept, normalized)
		}
	}
	return policy, kept, rejected
}

// normalizeOrigin reduces an origin to lower-case scheme://host[:port].
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalized]
	return exists
}

// checkOrigin is the upgrader's CheckOrigin hook. Requests without an Origin
// header are rejected.
func checkOrigin(log *slog.Logger, r *http.Request) bool {
	origin := r.Header.Get("Origin")

	configMu.RLock()
	policy := activeOrigins
	configMu.RUnlock()

	if policy.allows(origin) {
		return true
	}
	log.Warn("Blocked WebSocket connection from disallowed origin", "origin", origin)
	return false
}
