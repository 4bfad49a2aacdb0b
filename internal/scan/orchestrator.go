// Package scan runs the discovery cycle: sweep the subnet, resolve names
// for everything that answered, then reconcile the observations against
// the persistent device registry. One cycle runs at a time; triggers that
// arrive while a cycle is in flight are dropped.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lantern/internal/classify"
	"lantern/internal/domain"
	"lantern/internal/notify"
	"lantern/internal/probe"
	"lantern/internal/resolve"
	"lantern/internal/service"
)

// SettingLastCycle is the settings key recording the completion time of
// the most recent cycle.
const SettingLastCycle = "last_cycle_completed"

// maxLatencyProbes bounds concurrent ICMP probes during the resolve phase.
const maxLatencyProbes = 16

// Registry is the persistence surface the orchestrator reconciles
// against. *sqlite.Repository satisfies it.
type Registry interface {
	GetDevice(ctx context.Context, mac string) (*domain.Device, error)
	FindDeviceByIP(ctx context.Context, ip string) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]domain.Device, error)
	CountDevices(ctx context.Context) (int, error)
	UpsertDevice(ctx context.Context, dev *domain.Device) error
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) error
	AppendEvent(ctx context.Context, event *domain.Event) error
	ReplacePorts(ctx context.Context, mac string, ports []domain.PortInfo) error
	SetSetting(ctx context.Context, key, value string) error
}

// NotifyPolicy holds the global notification toggles. Per-device tags can
// opt individual devices into online/offline notifications on top.
type NotifyPolicy struct {
	OnNewDevice bool
	OnIPChange  bool
	OnOnline    bool
	OnOffline   bool
}

// Orchestrator drives discovery cycles against the registry.
type Orchestrator struct {
	registry  Registry
	prober    probe.Prober
	resolvers []resolve.Resolver
	notifier  notify.Notifier
	bus       *service.EventBus
	state     *State

	subnet string
	policy NotifyPolicy
	grace  time.Duration

	// swappable in tests
	latency  func(ctx context.Context, ip string) *float64
	selfHost func() (domain.SweepHost, error)
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSubnet pins the sweep target instead of deriving it from the
// host's own interface.
func WithSubnet(cidr string) Option {
	return func(o *Orchestrator) { o.subnet = cidr }
}

// WithNotifyPolicy sets the global notification toggles.
func WithNotifyPolicy(policy NotifyPolicy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithGrace overrides the post-cycle grace period during which the
// scanning flag stays up.
func WithGrace(grace time.Duration) Option {
	return func(o *Orchestrator) { o.grace = grace }
}

// New builds an Orchestrator. Resolvers must be ordered highest priority
// first; their results merge per resolve.Merge.
func New(registry Registry, prober probe.Prober, resolvers []resolve.Resolver,
	notifier notify.Notifier, bus *service.EventBus, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		registry:  registry,
		prober:    prober,
		resolvers: resolvers,
		notifier:  notifier,
		bus:       bus,
		state:     NewState(),
		grace:     3 * time.Second,
		latency: func(ctx context.Context, ip string) *float64 {
			return probe.Latency(ctx, ip, 2*time.Second)
		},
		selfHost: SelfHost,
		now:      time.Now,
	}
	if notifier == nil {
		o.notifier = notify.Noop{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status is the polling snapshot of the orchestrator.
type Status struct {
	IsScanning    bool       `json:"is_scanning"`
	RecentLog     []string   `json:"recent_log"`
	LastCompleted *time.Time `json:"last_completed,omitempty"`
}

// Status returns the current scanning flag and recent progress lines.
func (o *Orchestrator) Status() Status {
	status := Status{
		IsScanning: o.state.IsScanning(),
		RecentLog:  o.state.Lines(),
	}
	if t := o.state.LastCompleted(); !t.IsZero() {
		status.LastCompleted = &t
	}
	return status
}

// StartCycle triggers a discovery cycle in the background and returns
// immediately. A no-op while a cycle is already running.
func (o *Orchestrator) StartCycle() {
	if !o.state.begin() {
		return
	}
	go func() {
		if err := o.cycle(context.Background()); err != nil {
			o.state.Logf("cycle failed: %v", err)
		}
	}()
}

// RunCycle runs one discovery cycle synchronously. A no-op returning nil
// while a cycle is already running.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.state.begin() {
		return nil
	}
	return o.cycle(ctx)
}

// cycle executes one sweep/resolve/reconcile pass. The caller must have
// claimed the state flag via begin.
func (o *Orchestrator) cycle(ctx context.Context) error {
	subnet := o.subnet
	if subnet == "" {
		detected, err := DetectSubnet()
		if err != nil {
			o.state.Logf("cannot derive subnet: %v", err)
			o.state.fail()
			return fmt.Errorf("derive subnet: %w", err)
		}
		subnet = detected
	}

	o.state.Logf("starting discovery cycle on %s", subnet)
	o.publish(service.EventScanStarted, map[string]string{"subnet": subnet})

	hosts, err := o.prober.Sweep(ctx, subnet)
	if err != nil {
		o.state.Logf("sweep failed: %v", err)
		o.state.fail()
		o.publish(service.EventScanCompleted, map[string]string{"error": err.Error()})
		return fmt.Errorf("sweep %s: %w", subnet, err)
	}
	hosts = o.ensureSelf(hosts)
	o.state.Logf("sweep found %d hosts", len(hosts))

	// Only hosts with a MAC carry identity; the rest are logged and dropped.
	identified := hosts[:0]
	ips := make([]string, 0, len(hosts))
	sweepNames := make(map[string]string, len(hosts))
	for _, host := range hosts {
		if host.MAC == "" {
			o.state.Logf("skipping %s: no MAC resolved", host.IP)
			continue
		}
		identified = append(identified, host)
		ips = append(ips, host.IP)
		if host.Hostname != "" {
			sweepNames[host.IP] = host.Hostname
		}
	}

	names := o.resolveNames(ctx, ips, sweepNames)
	latencies := o.measureLatencies(ctx, ips)
	o.state.Logf("resolved names for %d of %d hosts", len(names), len(ips))

	registryEmpty := false
	if count, err := o.registry.CountDevices(ctx); err != nil {
		o.state.Logf("count devices: %v", err)
	} else {
		registryEmpty = count == 0
	}

	observed := make(map[string]bool, len(identified))
	created := 0
	for _, host := range identified {
		observed[host.MAC] = true
		isNew, err := o.reconcileHost(ctx, host, names[host.IP], latencies[host.IP], registryEmpty)
		if err != nil {
			o.state.Logf("reconcile %s (%s): %v", host.IP, host.MAC, err)
			continue
		}
		if isNew {
			created++
		}
	}

	offline, err := o.markAbsent(ctx, observed)
	if err != nil {
		o.state.Logf("offline pass: %v", err)
	}

	if err := o.registry.SetSetting(ctx, SettingLastCycle, o.now().UTC().Format(time.RFC3339)); err != nil {
		o.state.Logf("record cycle completion: %v", err)
	}

	if registryEmpty && created > 0 {
		// First population of an empty registry: one summary instead of
		// a notification storm.
		o.notifier.Notify(ctx, "scan_summary", "Initial scan complete",
			fmt.Sprintf("Discovered %d devices on the first scan of %s", created, subnet),
			map[string]string{"subnet": subnet, "new_devices": fmt.Sprintf("%d", created)})
	}

	o.state.Logf("cycle complete: %d online, %d new, %d went offline", len(identified), created, offline)
	o.publish(service.EventScanCompleted, map[string]string{
		"online":  fmt.Sprintf("%d", len(identified)),
		"new":     fmt.Sprintf("%d", created),
		"offline": fmt.Sprintf("%d", offline),
	})
	o.state.finish(o.grace)
	return nil
}

// ensureSelf appends a synthesized entry for the scanning machine when
// the sweep did not report its address.
func (o *Orchestrator) ensureSelf(hosts []domain.SweepHost) []domain.SweepHost {
	self, err := o.selfHost()
	if err != nil || self.IP == "" {
		return hosts
	}
	for _, host := range hosts {
		if host.IP == self.IP {
			return hosts
		}
	}
	o.state.Logf("adding self entry for %s", self.IP)
	return append(hosts, self)
}

// resolveNames fans the resolvers out concurrently over the swept IPs and
// merges their answers by priority. Sweep-reported hostnames participate
// as the lowest-priority source.
func (o *Orchestrator) resolveNames(ctx context.Context, ips []string, sweepNames map[string]string) map[string]string {
	results := make([]map[string]string, len(o.resolvers))
	var wg sync.WaitGroup
	for i, r := range o.resolvers {
		wg.Add(1)
		go func(i int, r resolve.Resolver) {
			defer wg.Done()
			results[i] = r.Resolve(ctx, ips)
			o.state.Logf("%s resolver named %d hosts", r.Name(), len(results[i]))
		}(i, r)
	}
	wg.Wait()

	results = append(results, sweepNames)
	return resolve.Merge(ips, results...)
}

// measureLatencies pings each host once. A nil entry means no reply.
func (o *Orchestrator) measureLatencies(ctx context.Context, ips []string) map[string]*float64 {
	latencies := make(map[string]*float64, len(ips))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLatencyProbes)
	for _, ip := range ips {
		g.Go(func() error {
			ms := o.latency(gctx, ip)
			mu.Lock()
			latencies[ip] = ms
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return latencies
}

// reconcileHost folds one sweep observation into the registry. Returns
// whether a new device row was created.
func (o *Orchestrator) reconcileHost(ctx context.Context, host domain.SweepHost,
	name string, latency *float64, registryEmpty bool) (bool, error) {

	existing, err := o.registry.GetDevice(ctx, host.MAC)
	if err != nil {
		return false, err
	}

	now := o.now()
	if existing == nil {
		dev := &domain.Device{
			MAC:       host.MAC,
			IP:        host.IP,
			Name:      name,
			Vendor:    host.Vendor,
			Type:      classify.Classify(host.Vendor, ""),
			Status:    domain.DeviceStatusOnline,
			FirstSeen: now,
			LastSeen:  now,
		}
		if dev.Name == "" {
			dev.Name = domain.DefaultDeviceName
		}

		if err := o.registry.UpsertDevice(ctx, dev); err != nil {
			return false, err
		}
		if err := o.registry.AppendEvent(ctx, &domain.Event{
			Kind:      domain.EventNewDevice,
			Message:   fmt.Sprintf("%s (%s) joined the network at %s", dev.Name, dev.MAC, dev.IP),
			DeviceMAC: dev.MAC,
			Metadata:  map[string]string{"ip": dev.IP, "vendor": dev.Vendor},
			CreatedAt: now,
		}); err != nil {
			o.state.Logf("record new-device event for %s: %v", dev.MAC, err)
		}
		o.appendHistory(ctx, dev.MAC, domain.DeviceStatusOnline, latency, now)

		if o.policy.OnNewDevice && !registryEmpty {
			o.notifier.Notify(ctx, string(domain.EventNewDevice), "New device",
				fmt.Sprintf("%s joined the network at %s", dev.Name, dev.IP),
				map[string]string{"mac": dev.MAC, "ip": dev.IP, "vendor": dev.Vendor})
		}

		o.publish(service.EventDeviceNew, dev)
		o.TriggerFingerprint(dev.IP)
		return true, nil
	}

	// Evaluate against the stored IP before overwriting it: a name equal
	// to the old IP is resolver residue, not a user's choice.
	userSet := existing.NameIsUserSet()
	wasOffline := existing.Status == domain.DeviceStatusOffline
	oldIP := existing.IP
	ipChanged := oldIP != host.IP

	existing.IP = host.IP
	existing.Status = domain.DeviceStatusOnline
	existing.LastSeen = now
	if existing.Vendor == "" {
		existing.Vendor = host.Vendor
	}
	if !userSet && name != "" {
		existing.Name = name
	}
	if existing.Name == "" {
		existing.Name = domain.DefaultDeviceName
	}
	if existing.Type == domain.DeviceTypeUnknown || existing.Type == "" {
		existing.Type = classify.Classify(existing.Vendor, existing.OS)
	}

	if err := o.registry.UpsertDevice(ctx, existing); err != nil {
		return false, err
	}
	o.appendHistory(ctx, existing.MAC, domain.DeviceStatusOnline, latency, now)

	if ipChanged {
		if err := o.registry.AppendEvent(ctx, &domain.Event{
			Kind:      domain.EventIPChange,
			Message:   fmt.Sprintf("%s moved from %s to %s", existing.Name, oldIP, host.IP),
			DeviceMAC: existing.MAC,
			Metadata:  map[string]string{"old_ip": oldIP, "new_ip": host.IP},
			CreatedAt: now,
		}); err != nil {
			o.state.Logf("record ip-change event for %s: %v", existing.MAC, err)
		}
		if o.policy.OnIPChange {
			o.notifier.Notify(ctx, string(domain.EventIPChange), "IP changed",
				fmt.Sprintf("%s moved from %s to %s", existing.Name, oldIP, host.IP),
				map[string]string{"mac": existing.MAC, "old_ip": oldIP, "new_ip": host.IP})
		}
	}

	if wasOffline {
		if err := o.registry.AppendEvent(ctx, &domain.Event{
			Kind:      domain.EventOnline,
			Message:   fmt.Sprintf("%s came online at %s", existing.Name, existing.IP),
			DeviceMAC: existing.MAC,
			Metadata:  map[string]string{"ip": existing.IP},
			CreatedAt: now,
		}); err != nil {
			o.state.Logf("record online event for %s: %v", existing.MAC, err)
		}
		if o.policy.OnOnline || existing.HasTag(domain.TagNotifyOnline) {
			o.notifier.Notify(ctx, string(domain.EventOnline), "Device online",
				fmt.Sprintf("%s came online at %s", existing.Name, existing.IP),
				map[string]string{"mac": existing.MAC, "ip": existing.IP})
		}
		o.publish(service.EventDeviceOnline, existing)
	} else {
		o.publish(service.EventDeviceUpdated, existing)
	}

	return false, nil
}

// markAbsent handles every registry device the sweep did not report. All
// of them get an offline history row; only devices still marked online
// flip status and emit an offline event, so a long-gone device never
// produces duplicates. Returns how many devices flipped.
func (o *Orchestrator) markAbsent(ctx context.Context, observed map[string]bool) (int, error) {
	devices, err := o.registry.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}

	now := o.now()
	flipped := 0
	for i := range devices {
		dev := &devices[i]
		if observed[dev.MAC] {
			continue
		}
		o.appendHistory(ctx, dev.MAC, domain.DeviceStatusOffline, nil, now)

		if dev.Status != domain.DeviceStatusOnline {
			continue
		}
		dev.Status = domain.DeviceStatusOffline
		if err := o.registry.UpsertDevice(ctx, dev); err != nil {
			o.state.Logf("mark %s offline: %v", dev.MAC, err)
			continue
		}
		if err := o.registry.AppendEvent(ctx, &domain.Event{
			Kind:      domain.EventOffline,
			Message:   fmt.Sprintf("%s went offline (last seen at %s)", dev.Name, dev.IP),
			DeviceMAC: dev.MAC,
			Metadata:  map[string]string{"ip": dev.IP},
			CreatedAt: now,
		}); err != nil {
			o.state.Logf("record offline event for %s: %v", dev.MAC, err)
		}
		if o.policy.OnOffline || dev.HasTag(domain.TagNotifyOffline) {
			o.notifier.Notify(ctx, string(domain.EventOffline), "Device offline",
				fmt.Sprintf("%s went offline (last seen at %s)", dev.Name, dev.IP),
				map[string]string{"mac": dev.MAC, "ip": dev.IP})
		}
		o.publish(service.EventDeviceOffline, dev)
		flipped++
	}

	return flipped, nil
}

func (o *Orchestrator) appendHistory(ctx context.Context, mac string, status domain.DeviceStatus, latency *float64, at time.Time) {
	err := o.registry.AppendHistory(ctx, domain.HistoryEntry{
		DeviceMAC:  mac,
		Status:     status,
		LatencyMs:  latency,
		RecordedAt: at,
	})
	if err != nil {
		o.state.Logf("append history for %s: %v", mac, err)
	}
}

func (o *Orchestrator) publish(eventType service.EventType, payload interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(service.Event{Type: eventType, Payload: payload})
}
