package resolve

import (
	"context"
	"encoding/xml"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"
	ssdpSearch        = "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n" +
		"ST: ssdp:all\r\n" +
		"\r\n"
)

// SSDPResolver scrapes UPnP service announcements: one multicast M-SEARCH,
// then a friendlyName fetch from each responder's description document.
type SSDPResolver struct {
	Timeout time.Duration

	httpClient *http.Client
}

// NewSSDPResolver returns a resolver with the default 3s listen window.
func NewSSDPResolver() *SSDPResolver {
	return &SSDPResolver{
		Timeout:    3 * time.Second,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Name implements Resolver.
func (r *SSDPResolver) Name() string { return "ssdp" }

// Resolve broadcasts an M-SEARCH and maps responding IPs to the friendly
// names from their device descriptions.
func (r *SSDPResolver) Resolve(ctx context.Context, ips []string) map[string]string {
	names := make(map[string]string)
	if len(ips) == 0 {
		return names
	}

	wanted := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		wanted[ip] = struct{}{}
	}

	locations := r.collectLocations(ctx, wanted)

	for ip, location := range locations {
		if name := r.fetchFriendlyName(ctx, location); name != "" {
			names[ip] = name
		}
	}

	return names
}

// collectLocations broadcasts the search and records each responder's
// description URL, keyed by source IP.
func (r *SSDPResolver) collectLocations(ctx context.Context, wanted map[string]struct{}) map[string]string {
	locations := make(map[string]string)

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return locations
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return locations
	}

	if _, err := conn.WriteTo([]byte(ssdpSearch), dst); err != nil {
		return locations
	}

	deadline := time.Now().Add(r.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 4096)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			return locations
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip := udpSrc.IP.String()
		if _, ok := wanted[ip]; !ok {
			continue
		}
		if _, seen := locations[ip]; seen {
			continue
		}

		if location := ssdpHeader(string(buf[:n]), "LOCATION"); location != "" {
			locations[ip] = location
		}
	}
}

// fetchFriendlyName retrieves the UPnP description document and extracts
// its friendlyName element.
func (r *SSDPResolver) fetchFriendlyName(ctx context.Context, location string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return ""
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var doc struct {
		Device struct {
			FriendlyName string `xml:"friendlyName"`
		} `xml:"device"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return ""
	}

	return strings.TrimSpace(doc.Device.FriendlyName)
}

// ssdpHeader extracts one header value from an SSDP response.
func ssdpHeader(response, key string) string {
	for _, line := range strings.Split(response, "\r\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), key) {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
