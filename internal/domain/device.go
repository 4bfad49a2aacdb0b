package domain

import "time"

// DeviceType is a coarse category derived from vendor and OS strings.
type DeviceType string

const (
	DeviceTypeVM      DeviceType = "vm"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypeIoT     DeviceType = "iot"
	DeviceTypeRouter  DeviceType = "router"
	DeviceTypeServer  DeviceType = "server"
	DeviceTypeUnknown DeviceType = "unknown"
)

// DeviceStatus represents the derived online/offline state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// DefaultDeviceName is assigned when no resolver produced a name.
const DefaultDeviceName = "New Device"

// Per-device tags that opt a device in or out of status notifications,
// independent of the global settings.
const (
	TagNotifyOnline  = "notify:online"
	TagNotifyOffline = "notify:offline"
)

// Device is one physical network interface ever observed on the LAN.
// The MAC address is the identity key; the IP may migrate between
// devices over time and is never part of identity.
type Device struct {
	MAC       string       `json:"mac"`
	IP        string       `json:"ip"`
	Name      string       `json:"name"`
	Vendor    string       `json:"vendor,omitempty"`
	Type      DeviceType   `json:"type"`
	OS        string       `json:"os,omitempty"`
	Details   string       `json:"details,omitempty"`
	Status    DeviceStatus `json:"status"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
	Tags      []string     `json:"tags,omitempty"`
}

// NameIsUserSet reports whether the display name was chosen by a user.
// A name counts as user-set once it differs from both the creation
// placeholder and the device's own IP literal; such names are never
// overwritten by resolver results.
func (d *Device) NameIsUserSet() bool {
	return d.Name != "" && d.Name != DefaultDeviceName && d.Name != d.IP
}

// HasTag reports whether the device carries the given tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
