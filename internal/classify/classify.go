// Package classify maps vendor and OS strings to a coarse device type.
// Classification is pure and deterministic; it never consults the network.
package classify

import (
	"strings"

	"lantern/internal/domain"
)

// Token tables are matched against the lower-cased vendor string. Order of
// the rule chain below is the tie-break policy: first match wins.
var (
	vmVendors = []string{
		"vmware", "virtualbox", "oracle virtualbox", "qemu", "xen",
		"parallels", "proxmox", "innotek",
	}
	mobileVendors = []string{
		"apple", "samsung", "xiaomi", "huawei", "oneplus", "oppo", "vivo",
		"google", "motorola", "nothing technology",
	}
	laptopVendors = []string{
		"intel", "dell", "lenovo", "hewlett packard", "hp inc", "asus",
		"acer", "msi", "framework", "azurewave", "liteon",
	}
	iotVendors = []string{
		"espressif", "raspberry", "tuya", "sonoff", "shelly", "sonos",
		"amazon technologies", "ring", "nest labs", "philips", "wyze",
		"ecobee", "roborock",
	}
	routerVendors = []string{
		"tp-link", "netgear", "cisco", "ubiquiti", "mikrotik", "d-link",
		"zyxel", "linksys", "juniper", "aruba", "avm",
	}
	serverVendors = []string{
		"synology", "qnap", "western digital", "supermicro", "asustor",
	}
)

// Classify returns the device type for a vendor/OS pair. Both inputs may
// be empty; matching is case-insensitive.
func Classify(vendor, osGuess string) domain.DeviceType {
	v := strings.ToLower(vendor)
	o := strings.ToLower(osGuess)

	switch {
	case containsAny(v, vmVendors):
		return domain.DeviceTypeVM
	case strings.Contains(v, "microsoft") && strings.Contains(o, "linux"):
		// Hyper-V / WSL guests report a Microsoft NIC with a Linux stack.
		return domain.DeviceTypeVM
	case containsAny(v, mobileVendors):
		return domain.DeviceTypeMobile
	case containsAny(v, laptopVendors):
		return domain.DeviceTypeLaptop
	case containsAny(v, iotVendors):
		return domain.DeviceTypeIoT
	case containsAny(v, routerVendors):
		return domain.DeviceTypeRouter
	case containsAny(v, serverVendors):
		return domain.DeviceTypeServer
	case strings.Contains(o, "windows"):
		return domain.DeviceTypeLaptop
	case strings.Contains(o, "linux"):
		return domain.DeviceTypeServer
	default:
		return domain.DeviceTypeUnknown
	}
}

func containsAny(s string, tokens []string) bool {
	if s == "" {
		return false
	}
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
