package resolve

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DNSResolver performs unicast reverse-DNS lookups, optionally against a
// custom server instead of the system resolver.
type DNSResolver struct {
	Server      string // host or host:port of a custom DNS server, may be empty
	PerHost     time.Duration
	MaxInFlight int
}

// NewDNSResolver returns a resolver using the system configuration, or the
// given custom server when non-empty.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Server:      server,
		PerHost:     2 * time.Second,
		MaxInFlight: 16,
	}
}

// Name implements Resolver.
func (r *DNSResolver) Name() string { return "dns" }

// Resolve looks up PTR records for each IP concurrently. Reverse lookups
// routinely fail on home networks without PTR records, so misses are
// silent.
func (r *DNSResolver) Resolve(ctx context.Context, ips []string) map[string]string {
	names := make(map[string]string, len(ips))
	resolver := r.netResolver()

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.MaxInFlight)

	for _, ip := range ips {
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(ctx, r.PerHost)
			defer cancel()

			ptrs, err := resolver.LookupAddr(lookupCtx, ip)
			if err != nil || len(ptrs) == 0 {
				return nil
			}

			name := strings.TrimSuffix(ptrs[0], ".")
			mu.Lock()
			names[ip] = name
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return names
}

func (r *DNSResolver) netResolver() *net.Resolver {
	if r.Server == "" {
		return &net.Resolver{}
	}

	server := r.Server
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: r.PerHost}
			return d.DialContext(ctx, network, server)
		},
	}
}
