package resolve

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service types browsed during an mDNS pass. One broadcast browse per
// cycle covers all hosts at once, so the list errs on the broad side.
var mdnsServiceTypes = []string{
	"_services._dns-sd._udp",
	"_workstation._tcp",
	"_device-info._tcp",
	"_http._tcp",
	"_ssh._tcp",
	"_smb._tcp",
	"_afpovertcp._tcp",
	"_ipp._tcp",
	"_airplay._tcp",
	"_raop._tcp",
	"_hap._tcp",
	"_companion-link._tcp",
	"_googlecast._tcp",
	"_spotify-connect._tcp",
	"_sonos._tcp",
}

// MDNSResolver discovers names via multicast DNS service browsing.
type MDNSResolver struct {
	Timeout time.Duration
}

// NewMDNSResolver returns a resolver with the default 2.5s browse window.
func NewMDNSResolver() *MDNSResolver {
	return &MDNSResolver{Timeout: 2500 * time.Millisecond}
}

// Name implements Resolver.
func (r *MDNSResolver) Name() string { return "mdns" }

// Resolve browses common service types and maps advertised IPv4 addresses
// back to instance or host names.
func (r *MDNSResolver) Resolve(ctx context.Context, ips []string) map[string]string {
	names := make(map[string]string)
	if len(ips) == 0 {
		return names
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return names
	}

	wanted := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		wanted[ip] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var mu sync.Mutex
	record := func(entry *zeroconf.ServiceEntry) {
		name := entryName(entry)
		if name == "" {
			return
		}
		for _, addr := range entry.AddrIPv4 {
			ip := addr.String()
			if _, ok := wanted[ip]; !ok {
				continue
			}
			mu.Lock()
			if _, exists := names[ip]; !exists {
				names[ip] = name
			}
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for _, serviceType := range mdnsServiceTypes {
		entries := make(chan *zeroconf.ServiceEntry, 16)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entries {
				record(entry)
			}
		}()
		// Browse closes the entries channel when the context expires.
		if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
			close(entries)
		}
	}

	<-ctx.Done()
	wg.Wait()

	return names
}

// entryName picks the best label a service entry advertises.
func entryName(entry *zeroconf.ServiceEntry) string {
	if entry.Instance != "" {
		return entry.Instance
	}
	host := strings.TrimSuffix(entry.HostName, ".")
	return strings.TrimSuffix(host, ".local")
}
