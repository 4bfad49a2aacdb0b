// Package probe wraps the active scan engine. The engine itself is an
// external capability: a subnet sweep answers "who is up" with MAC and
// vendor where resolvable, and a single-host fingerprint answers "what is
// it" with an OS guess and open ports. Both are best-effort and bounded
// by timeouts.
package probe

import (
	"context"

	"lantern/internal/domain"
)

// Prober performs active network probes.
type Prober interface {
	// Sweep discovers reachable hosts on the subnet. Hosts with no
	// resolvable MAC are still returned.
	Sweep(ctx context.Context, cidr string) ([]domain.SweepHost, error)

	// Fingerprint deep-probes a single host for OS and open ports.
	Fingerprint(ctx context.Context, ip string) (*domain.Fingerprint, error)
}
