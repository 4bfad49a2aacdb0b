package probe

import "time"

// NmapOption configures an NmapProber.
type NmapOption func(*NmapProber)

// WithSweepTimeout bounds a subnet sweep.
func WithSweepTimeout(d time.Duration) NmapOption {
	return func(p *NmapProber) {
		p.sweepTimeout = d
	}
}

// WithFingerprintTimeout bounds a single-host deep probe.
func WithFingerprintTimeout(d time.Duration) NmapOption {
	return func(p *NmapProber) {
		p.fingerprintTimeout = d
	}
}

// WithPortRange sets the ports probed during fingerprinting.
func WithPortRange(ports string) NmapOption {
	return func(p *NmapProber) {
		p.portRange = ports
	}
}

// WithOSDetection toggles OS fingerprinting (requires root).
func WithOSDetection(enabled bool) NmapOption {
	return func(p *NmapProber) {
		p.osDetection = enabled
	}
}
