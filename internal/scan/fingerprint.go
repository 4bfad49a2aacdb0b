package scan

import (
	"context"
	"encoding/json"
	"time"

	"lantern/internal/classify"
	"lantern/internal/domain"
	"lantern/internal/service"
)

// fingerprintTimeout bounds one deep probe end to end.
const fingerprintTimeout = 3 * time.Minute

// TriggerFingerprint starts a deep probe of the device currently holding
// ip and returns immediately. The probe runs detached from any cycle; its
// result is folded in whenever it lands. Probing a device whose OS is
// already known is a no-op, so repeated triggers are safe.
func (o *Orchestrator) TriggerFingerprint(ip string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fingerprintTimeout)
		defer cancel()
		if err := o.fingerprint(ctx, ip); err != nil {
			o.state.Logf("fingerprint %s: %v", ip, err)
		}
	}()
}

func (o *Orchestrator) fingerprint(ctx context.Context, ip string) error {
	dev, err := o.registry.FindDeviceByIP(ctx, ip)
	if err != nil {
		return err
	}
	if dev == nil {
		o.state.Logf("fingerprint %s: no device holds that address", ip)
		return nil
	}
	if dev.OS != "" {
		return nil
	}

	fp, err := o.prober.Fingerprint(ctx, ip)
	if err != nil {
		return err
	}

	// The device may have been probed or edited while nmap ran; re-read
	// and re-check before writing.
	dev, err = o.registry.GetDevice(ctx, dev.MAC)
	if err != nil {
		return err
	}
	if dev == nil || dev.OS != "" {
		return nil
	}

	dev.OS = fp.OSGuess
	if details, err := json.Marshal(fp); err == nil {
		dev.Details = string(details)
	}
	if dev.Type == domain.DeviceTypeUnknown || dev.Type == "" {
		dev.Type = classify.Classify(dev.Vendor, dev.OS)
	}

	if err := o.registry.UpsertDevice(ctx, dev); err != nil {
		return err
	}
	if err := o.registry.ReplacePorts(ctx, dev.MAC, fp.OpenPorts); err != nil {
		return err
	}

	o.state.Logf("fingerprinted %s: os=%q ports=%d", ip, dev.OS, len(fp.OpenPorts))
	o.publish(service.EventDeviceUpdated, dev)
	return nil
}
