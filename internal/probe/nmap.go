package probe

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/endobit/oui"

	"lantern/internal/domain"
)

// NmapProber implements Prober on top of the nmap binary.
type NmapProber struct {
	sweepTimeout       time.Duration
	fingerprintTimeout time.Duration
	portRange          string
	osDetection        bool
}

// NewNmapProber creates a prober with sensible defaults.
func NewNmapProber(opts ...NmapOption) *NmapProber {
	p := &NmapProber{
		sweepTimeout:       90 * time.Second,
		fingerprintTimeout: 2 * time.Minute,
		portRange:          "21,22,23,25,53,80,110,139,143,443,445,631,3389,5000,5432,8080,8443,9100",
		osDetection:        true,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Sweep runs a ping scan over the subnet and returns every host that
// answered. MAC and vendor come from the ARP layer when the scan runs
// with sufficient privileges; the OUI table fills in vendors nmap omits.
func (p *NmapProber) Sweep(ctx context.Context, cidr string) ([]domain.SweepHost, error) {
	ctx, cancel := context.WithTimeout(ctx, p.sweepTimeout)
	defer cancel()

	scanner, err := nmap.NewScanner(
		ctx,
		nmap.WithTargets(cidr),
		nmap.WithPingScan(),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", cidr, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		log.Printf("sweep %s warnings: %v", cidr, *warnings)
	}

	return hostsFromRun(result), nil
}

// Fingerprint deep-probes one host for its OS and open ports.
func (p *NmapProber) Fingerprint(ctx context.Context, ip string) (*domain.Fingerprint, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fingerprintTimeout)
	defer cancel()

	opts := []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPorts(p.portRange),
		nmap.WithServiceInfo(),
	}
	if p.osDetection {
		opts = append(opts, nmap.WithOSDetection())
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", ip, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		log.Printf("fingerprint %s warnings: %v", ip, *warnings)
	}

	return fingerprintFromRun(ip, result), nil
}

// hostsFromRun converts sweep results into SweepHosts.
func hostsFromRun(result *nmap.Run) []domain.SweepHost {
	if result == nil {
		return nil
	}

	hosts := make([]domain.SweepHost, 0, len(result.Hosts))
	for _, h := range result.Hosts {
		if h.Status.State != "up" {
			continue
		}

		host := domain.SweepHost{}
		for _, addr := range h.Addresses {
			switch addr.AddrType {
			case "ipv4":
				host.IP = addr.Addr
			case "mac":
				host.MAC = strings.ToUpper(addr.Addr)
				host.Vendor = addr.Vendor
			}
		}
		if host.IP == "" {
			continue
		}

		if len(h.Hostnames) > 0 {
			host.Hostname = strings.TrimSuffix(h.Hostnames[0].Name, ".")
		}

		if host.Vendor == "" && host.MAC != "" {
			host.Vendor = oui.Vendor(strings.ToLower(host.MAC))
		}

		hosts = append(hosts, host)
	}

	return hosts
}

// fingerprintFromRun extracts the OS guess and open ports for one host.
func fingerprintFromRun(ip string, result *nmap.Run) *domain.Fingerprint {
	fp := &domain.Fingerprint{IP: ip}
	if result == nil || len(result.Hosts) == 0 {
		return fp
	}

	host := result.Hosts[0]

	if len(host.OS.Matches) > 0 {
		// Matches are ordered by accuracy; the first is the best guess.
		fp.OSGuess = host.OS.Matches[0].Name
	}

	for _, port := range host.Ports {
		if port.State.State != "open" {
			continue
		}
		fp.OpenPorts = append(fp.OpenPorts, domain.PortInfo{
			Port:     int(port.ID),
			Protocol: port.Protocol,
			Service:  port.Service.Name,
		})
	}

	return fp
}
