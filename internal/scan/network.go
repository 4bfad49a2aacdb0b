package scan

import (
	"fmt"
	"net"
	"os"
	"strings"

	"lantern/internal/domain"
)

// selfVendor tags the synthesized entry for the machine running the scan.
const selfVendor = "Self (Lantern Host)"

// DetectSubnet derives the sweep target from the host's own first
// non-loopback IPv4 interface: network address = IP AND netmask.
func DetectSubnet() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if cidr := subnetFor(ipNet); cidr != "" {
				return cidr, nil
			}
		}
	}

	return "", fmt.Errorf("no non-loopback IPv4 interface found")
}

// subnetFor computes the CIDR network for an interface address, or ""
// when the address is not usable IPv4.
func subnetFor(ipNet *net.IPNet) string {
	ip4 := ipNet.IP.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return ""
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return ""
	}
	network := ip4.Mask(ipNet.Mask)
	return fmt.Sprintf("%s/%d", network, ones)
}

// SelfHost describes the scanning machine as a sweep entry. Self is
// always considered present; when the interface exposes no MAC the entry
// carries no MAC-based identity and is skipped by reconciliation like any
// other MAC-less host.
func SelfHost() (domain.SweepHost, error) {
	host := domain.SweepHost{Vendor: selfVendor}
	if name, err := os.Hostname(); err == nil {
		host.Hostname = name
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return host, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			host.IP = ip4.String()
			if mac := iface.HardwareAddr.String(); mac != "" {
				host.MAC = strings.ToUpper(mac)
			}
			return host, nil
		}
	}

	return host, fmt.Errorf("no usable interface for self entry")
}
