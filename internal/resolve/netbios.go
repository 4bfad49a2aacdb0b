package resolve

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// NetBIOSResolver queries each host's NetBIOS name table via nmblookup,
// the same treat-the-tool-as-a-collaborator approach the prober takes
// with nmap.
type NetBIOSResolver struct {
	PerHost     time.Duration
	MaxInFlight int

	// run is swappable for tests.
	run func(ctx context.Context, ip string) (string, error)
}

// NewNetBIOSResolver returns a resolver with a 1.5s per-host timeout.
func NewNetBIOSResolver() *NetBIOSResolver {
	r := &NetBIOSResolver{
		PerHost:     1500 * time.Millisecond,
		MaxInFlight: 16,
	}
	r.run = r.nmblookup
	return r
}

// Name implements Resolver.
func (r *NetBIOSResolver) Name() string { return "netbios" }

// Resolve issues a node status query per host and keeps the first unique
// workstation name from each response.
func (r *NetBIOSResolver) Resolve(ctx context.Context, ips []string) map[string]string {
	names := make(map[string]string, len(ips))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.MaxInFlight)

	for _, ip := range ips {
		g.Go(func() error {
			queryCtx, cancel := context.WithTimeout(ctx, r.PerHost)
			defer cancel()

			output, err := r.run(queryCtx, ip)
			if err != nil {
				return nil
			}

			if name := parseNetBIOSNames(output); name != "" {
				mu.Lock()
				names[ip] = name
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return names
}

func (r *NetBIOSResolver) nmblookup(ctx context.Context, ip string) (string, error) {
	out, err := exec.CommandContext(ctx, "nmblookup", "-A", ip).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseNetBIOSNames extracts the host name from nmblookup -A output. Name
// table lines look like:
//
//	LANTERN-PC      <00> -         B <ACTIVE>
//	WORKGROUP       <00> - <GROUP> B <ACTIVE>
//
// Only active unique <00> entries are host names; <GROUP> entries are
// workgroup names and are excluded.
func parseNetBIOSNames(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<ACTIVE>") || strings.Contains(line, "<GROUP>") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "<00>" {
			continue
		}
		if name := strings.TrimSpace(fields[0]); name != "" {
			return name
		}
	}
	return ""
}
