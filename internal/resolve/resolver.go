// Package resolve turns IP addresses into human-readable names using four
// independent strategies. Each strategy owns its timeout and failure mode:
// a resolver never returns an error, only a partial map of the addresses
// it could name.
package resolve

import (
	"context"
	"strings"
)

// Resolver maps a batch of IPs to candidate display names.
type Resolver interface {
	// Name identifies the strategy in logs.
	Name() string

	// Resolve returns a partial IP -> name map. Failures and timeouts
	// yield an empty map, never an error.
	Resolve(ctx context.Context, ips []string) map[string]string
}

// identityPrefix marks synthetic PTR names some reverse-DNS providers
// return for unnamed hosts (e.g. "ip-192-168-1-10.internal").
const identityPrefix = "ip-"

// isIdentity reports whether a resolved name carries no information beyond
// the address itself. Identity results fall through to the next strategy.
func isIdentity(name, ip string) bool {
	if name == "" || name == ip {
		return true
	}
	dashed := strings.NewReplacer(".", "-", ":", "-").Replace(ip)
	if name == dashed {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), identityPrefix)
}

// Merge reduces per-resolver results to one name per IP. The results slice
// must be ordered highest priority first; for each IP the first
// non-identity answer wins. IPs no strategy could name are absent from the
// returned map.
func Merge(ips []string, results ...map[string]string) map[string]string {
	merged := make(map[string]string, len(ips))
	for _, ip := range ips {
		for _, result := range results {
			name := strings.TrimSuffix(result[ip], ".")
			if !isIdentity(name, ip) {
				merged[ip] = name
				break
			}
		}
	}
	return merged
}
