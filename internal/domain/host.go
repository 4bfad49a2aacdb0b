package domain

// SweepHost is one reachable host reported by a subnet sweep. Hosts with
// no resolvable MAC are still reported but cannot be reconciled into the
// registry (a MAC is the minimum viable identity).
type SweepHost struct {
	IP       string `json:"ip"`
	MAC      string `json:"mac,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// PortInfo describes one open port found by a deep probe.
type PortInfo struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`
}

// Fingerprint is the result of a single-host deep probe.
type Fingerprint struct {
	IP        string     `json:"ip"`
	OSGuess   string     `json:"os_guess,omitempty"`
	OpenPorts []PortInfo `json:"open_ports,omitempty"`
}
