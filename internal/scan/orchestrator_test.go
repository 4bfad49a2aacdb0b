package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lantern/internal/domain"
	"lantern/internal/resolve"
)

// fakeRegistry is an in-memory Registry. All methods are safe for
// concurrent use since fingerprint tasks run detached.
type fakeRegistry struct {
	mu       sync.Mutex
	devices  map[string]domain.Device
	history  []domain.HistoryEntry
	events   []domain.Event
	ports    map[string][]domain.PortInfo
	settings map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		devices:  make(map[string]domain.Device),
		ports:    make(map[string][]domain.PortInfo),
		settings: make(map[string]string),
	}
}

func (f *fakeRegistry) GetDevice(_ context.Context, mac string) (*domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[mac]
	if !ok {
		return nil, nil
	}
	return &dev, nil
}

func (f *fakeRegistry) FindDeviceByIP(_ context.Context, ip string) (*domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *domain.Device
	for mac := range f.devices {
		dev := f.devices[mac]
		if dev.IP != ip {
			continue
		}
		if found == nil || dev.LastSeen.After(found.LastSeen) {
			found = &dev
		}
	}
	return found, nil
}

func (f *fakeRegistry) ListDevices(context.Context) ([]domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Device, 0, len(f.devices))
	for _, dev := range f.devices {
		out = append(out, dev)
	}
	return out, nil
}

func (f *fakeRegistry) CountDevices(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices), nil
}

func (f *fakeRegistry) UpsertDevice(_ context.Context, dev *domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev.MAC] = *dev
	return nil
}

func (f *fakeRegistry) AppendHistory(_ context.Context, entry domain.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeRegistry) AppendEvent(_ context.Context, event *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeRegistry) ReplacePorts(_ context.Context, mac string, ports []domain.PortInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports[mac] = ports
	return nil
}

func (f *fakeRegistry) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeRegistry) device(t *testing.T, mac string) domain.Device {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[mac]
	if !ok {
		t.Fatalf("device %s not in registry", mac)
	}
	return dev
}

func (f *fakeRegistry) eventsOfKind(kind domain.EventKind) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fakeProber returns canned sweep results. Fingerprint fails unless
// configured, so background fingerprint tasks never mutate test state by
// accident.
type fakeProber struct {
	hosts       []domain.SweepHost
	sweepErr    error
	fingerprint *domain.Fingerprint

	sweeps       atomic.Int32
	fingerprints atomic.Int32

	// For the mutual-exclusion test: Sweep signals started then waits
	// for release when both are non-nil.
	started chan struct{}
	release chan struct{}
}

func (f *fakeProber) Sweep(context.Context, string) ([]domain.SweepHost, error) {
	f.sweeps.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	return f.hosts, f.sweepErr
}

func (f *fakeProber) Fingerprint(context.Context, string) (*domain.Fingerprint, error) {
	f.fingerprints.Add(1)
	if f.fingerprint == nil {
		return nil, errors.New("fingerprint not configured")
	}
	return f.fingerprint, nil
}

type fakeResolver struct {
	name   string
	result map[string]string
}

func (f *fakeResolver) Name() string { return f.name }

func (f *fakeResolver) Resolve(context.Context, []string) map[string]string {
	return f.result
}

type notifyCall struct {
	kind, title, message string
	metadata             map[string]string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) Notify(_ context.Context, kind, title, message string, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{kind, title, message, metadata})
}

func (f *fakeNotifier) all() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestOrchestrator(reg *fakeRegistry, prober *fakeProber, resolvers []resolve.Resolver,
	notifier *fakeNotifier, policy NotifyPolicy) *Orchestrator {

	o := New(reg, prober, resolvers, notifier, nil,
		WithSubnet("192.168.1.0/24"),
		WithNotifyPolicy(policy),
		WithGrace(time.Millisecond))
	o.latency = func(context.Context, string) *float64 {
		v := 1.2
		return &v
	}
	o.selfHost = func() (domain.SweepHost, error) {
		return domain.SweepHost{}, errors.New("no self host in tests")
	}
	o.now = func() time.Time { return testNow }
	return o
}

func TestFirstScanCreatesDevicesWithSummaryOnly(t *testing.T) {
	reg := newFakeRegistry()
	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.10", MAC: "AA:BB:CC:DD:EE:01", Vendor: "Apple, Inc."},
		{IP: "192.168.1.11", MAC: "AA:BB:CC:DD:EE:02", Vendor: "Espressif Inc."},
	}}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(reg, prober, nil, notifier, NotifyPolicy{OnNewDevice: true})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	apple := reg.device(t, "AA:BB:CC:DD:EE:01")
	if apple.Name != domain.DefaultDeviceName {
		t.Errorf("expected placeholder name, got %q", apple.Name)
	}
	if apple.Type != domain.DeviceTypeMobile {
		t.Errorf("expected mobile for Apple vendor, got %s", apple.Type)
	}
	if apple.Status != domain.DeviceStatusOnline {
		t.Errorf("expected online, got %s", apple.Status)
	}
	if !apple.FirstSeen.Equal(testNow) || !apple.LastSeen.Equal(testNow) {
		t.Errorf("unexpected timestamps: first=%v last=%v", apple.FirstSeen, apple.LastSeen)
	}

	esp := reg.device(t, "AA:BB:CC:DD:EE:02")
	if esp.Type != domain.DeviceTypeIoT {
		t.Errorf("expected iot for Espressif vendor, got %s", esp.Type)
	}

	if got := reg.eventsOfKind(domain.EventNewDevice); len(got) != 2 {
		t.Errorf("expected 2 new_device events, got %d", len(got))
	}

	// Populating an empty registry sends one summary, not one
	// notification per device.
	calls := notifier.all()
	if len(calls) != 1 || calls[0].kind != "scan_summary" {
		t.Fatalf("expected single summary notification, got %+v", calls)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.history) != 2 {
		t.Errorf("expected 2 history rows, got %d", len(reg.history))
	}
	for _, entry := range reg.history {
		if entry.Status != domain.DeviceStatusOnline || entry.LatencyMs == nil {
			t.Errorf("unexpected history entry: %+v", entry)
		}
	}
	if reg.settings[SettingLastCycle] == "" {
		t.Error("last cycle completion not recorded")
	}
}

func TestResightingIsQuiet(t *testing.T) {
	reg := newFakeRegistry()
	seeded := domain.Device{
		MAC:       "AA:BB:CC:DD:EE:01",
		IP:        "192.168.1.10",
		Name:      domain.DefaultDeviceName,
		Vendor:    "Apple, Inc.",
		Type:      domain.DeviceTypeMobile,
		Status:    domain.DeviceStatusOnline,
		FirstSeen: testNow.Add(-24 * time.Hour),
		LastSeen:  testNow.Add(-5 * time.Minute),
	}
	reg.devices[seeded.MAC] = seeded

	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.10", MAC: "AA:BB:CC:DD:EE:01", Vendor: "Apple, Inc."},
	}}
	notifier := &fakeNotifier{}
	resolvers := []resolve.Resolver{
		&fakeResolver{name: "mdns", result: map[string]string{"192.168.1.10": "marcs-iphone"}},
	}
	o := newTestOrchestrator(reg, prober, resolvers, notifier, NotifyPolicy{OnNewDevice: true, OnOffline: true})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	dev := reg.device(t, seeded.MAC)
	if dev.Name != "marcs-iphone" {
		t.Errorf("placeholder name should update from resolver, got %q", dev.Name)
	}
	if !dev.FirstSeen.Equal(seeded.FirstSeen) {
		t.Errorf("first seen must not move: %v", dev.FirstSeen)
	}
	if !dev.LastSeen.Equal(testNow) {
		t.Errorf("last seen should advance: %v", dev.LastSeen)
	}

	reg.mu.Lock()
	events := len(reg.events)
	reg.mu.Unlock()
	if events != 0 {
		t.Errorf("re-sighting an online device should emit no events, got %d", events)
	}
	if calls := notifier.all(); len(calls) != 0 {
		t.Errorf("expected no notifications, got %+v", calls)
	}
}

func TestUserSetNameIsPreserved(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "Living Room TV",
		Type:     domain.DeviceTypeIoT,
		Status:   domain.DeviceStatusOnline,
		LastSeen: testNow.Add(-5 * time.Minute),
	}

	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.10", MAC: "AA:BB:CC:DD:EE:01", Vendor: "Sony"},
	}}
	resolvers := []resolve.Resolver{
		&fakeResolver{name: "mdns", result: map[string]string{"192.168.1.10": "bravia-4k.local"}},
	}
	o := newTestOrchestrator(reg, prober, resolvers, &fakeNotifier{}, NotifyPolicy{})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if dev := reg.device(t, "AA:BB:CC:DD:EE:01"); dev.Name != "Living Room TV" {
		t.Errorf("user-set name overwritten: %q", dev.Name)
	}
}

func TestIPMigration(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "printer",
		Type:     domain.DeviceTypeIoT,
		Status:   domain.DeviceStatusOnline,
		LastSeen: testNow.Add(-5 * time.Minute),
	}

	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.20", MAC: "AA:BB:CC:DD:EE:01", Vendor: "HP"},
	}}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(reg, prober, nil, notifier, NotifyPolicy{OnIPChange: true})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if dev := reg.device(t, "AA:BB:CC:DD:EE:01"); dev.IP != "192.168.1.20" {
		t.Errorf("ip not updated: %s", dev.IP)
	}

	changes := reg.eventsOfKind(domain.EventIPChange)
	if len(changes) != 1 {
		t.Fatalf("expected 1 ip_change event, got %d", len(changes))
	}
	if changes[0].Metadata["old_ip"] != "192.168.1.10" || changes[0].Metadata["new_ip"] != "192.168.1.20" {
		t.Errorf("unexpected metadata: %+v", changes[0].Metadata)
	}
	if got := reg.eventsOfKind(domain.EventNewDevice); len(got) != 0 {
		t.Errorf("migration must not create a device, got %d new_device events", len(got))
	}

	calls := notifier.all()
	if len(calls) != 1 || calls[0].kind != string(domain.EventIPChange) {
		t.Errorf("expected one ip_change notification, got %+v", calls)
	}
}

func TestOfflineFlipHappensOnce(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "nas",
		Type:     domain.DeviceTypeServer,
		Status:   domain.DeviceStatusOnline,
		LastSeen: testNow.Add(-5 * time.Minute),
	}

	prober := &fakeProber{}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(reg, prober, nil, notifier, NotifyPolicy{OnOffline: true})

	for i := 0; i < 2; i++ {
		if err := o.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		// Let the grace timer release the flag before the next run.
		waitIdle(t, o)
	}

	if dev := reg.device(t, "AA:BB:CC:DD:EE:01"); dev.Status != domain.DeviceStatusOffline {
		t.Errorf("expected offline, got %s", dev.Status)
	}
	if got := reg.eventsOfKind(domain.EventOffline); len(got) != 1 {
		t.Errorf("offline event must fire once, got %d", len(got))
	}
	if calls := notifier.all(); len(calls) != 1 {
		t.Errorf("offline notification must fire once, got %d", len(calls))
	}

	// Absent devices still get an offline history row every cycle.
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.history) != 2 {
		t.Errorf("expected 2 offline history rows, got %d", len(reg.history))
	}
	for _, entry := range reg.history {
		if entry.Status != domain.DeviceStatusOffline || entry.LatencyMs != nil {
			t.Errorf("unexpected history entry: %+v", entry)
		}
	}
}

func TestOfflineTagOverridesGlobalToggle(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "doorbell",
		Status:   domain.DeviceStatusOnline,
		Tags:     []string{domain.TagNotifyOffline},
		LastSeen: testNow.Add(-5 * time.Minute),
	}

	notifier := &fakeNotifier{}
	o := newTestOrchestrator(reg, &fakeProber{}, nil, notifier, NotifyPolicy{})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	calls := notifier.all()
	if len(calls) != 1 || calls[0].kind != string(domain.EventOffline) {
		t.Errorf("tag should force an offline notification, got %+v", calls)
	}
}

func TestNewDeviceNotifiedWhenRegistryNotEmpty(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "router",
		Status:   domain.DeviceStatusOnline,
		LastSeen: testNow.Add(-5 * time.Minute),
	}

	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.10", MAC: "AA:BB:CC:DD:EE:01"},
		{IP: "192.168.1.30", MAC: "AA:BB:CC:DD:EE:03", Vendor: "Sonos, Inc."},
	}}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(reg, prober, nil, notifier, NotifyPolicy{OnNewDevice: true})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	calls := notifier.all()
	if len(calls) != 1 || calls[0].kind != string(domain.EventNewDevice) {
		t.Fatalf("expected one new_device notification, got %+v", calls)
	}
	if calls[0].metadata["mac"] != "AA:BB:CC:DD:EE:03" {
		t.Errorf("notification for wrong device: %+v", calls[0].metadata)
	}
}

func TestConcurrentTriggersRunOneCycle(t *testing.T) {
	reg := newFakeRegistry()
	prober := &fakeProber{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(reg, prober, nil, &fakeNotifier{}, NotifyPolicy{})

	o.StartCycle()
	<-prober.started

	// Triggers while a cycle is in flight are dropped.
	o.StartCycle()
	o.StartCycle()
	if !o.state.IsScanning() {
		t.Error("expected scanning flag up during cycle")
	}

	close(prober.release)
	waitIdle(t, o)

	if got := prober.sweeps.Load(); got != 1 {
		t.Errorf("expected exactly 1 sweep, got %d", got)
	}
}

func TestSweepFailureAbortsCycle(t *testing.T) {
	reg := newFakeRegistry()
	prober := &fakeProber{sweepErr: errors.New("nmap exited 1")}
	o := newTestOrchestrator(reg, prober, nil, &fakeNotifier{}, NotifyPolicy{})

	if err := o.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error from failed sweep")
	}
	if o.state.IsScanning() {
		t.Error("flag must drop immediately on abort")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.settings[SettingLastCycle] != "" {
		t.Error("aborted cycle must not record completion")
	}
}

func TestResolverPriorityFeedsNames(t *testing.T) {
	reg := newFakeRegistry()
	prober := &fakeProber{hosts: []domain.SweepHost{
		{IP: "192.168.1.10", MAC: "AA:BB:CC:DD:EE:01", Hostname: "dhcp-10.lan"},
	}}
	resolvers := []resolve.Resolver{
		&fakeResolver{name: "mdns", result: map[string]string{"192.168.1.10": "office-mac.local"}},
		&fakeResolver{name: "dns", result: map[string]string{"192.168.1.10": "host10.corp"}},
	}
	o := newTestOrchestrator(reg, prober, resolvers, &fakeNotifier{}, NotifyPolicy{})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if dev := reg.device(t, "AA:BB:CC:DD:EE:01"); dev.Name != "office-mac.local" {
		t.Errorf("expected highest-priority resolver to win, got %q", dev.Name)
	}
}

func TestFingerprintAppliesOnce(t *testing.T) {
	reg := newFakeRegistry()
	reg.devices["AA:BB:CC:DD:EE:01"] = domain.Device{
		MAC:      "AA:BB:CC:DD:EE:01",
		IP:       "192.168.1.10",
		Name:     "nas",
		Type:     domain.DeviceTypeUnknown,
		Status:   domain.DeviceStatusOnline,
		LastSeen: testNow,
	}

	prober := &fakeProber{fingerprint: &domain.Fingerprint{
		IP:      "192.168.1.10",
		OSGuess: "Linux 5.15",
		OpenPorts: []domain.PortInfo{
			{Port: 22, Protocol: "tcp", Service: "ssh"},
			{Port: 445, Protocol: "tcp", Service: "microsoft-ds"},
		},
	}}
	o := newTestOrchestrator(reg, prober, nil, &fakeNotifier{}, NotifyPolicy{})

	if err := o.fingerprint(context.Background(), "192.168.1.10"); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	dev := reg.device(t, "AA:BB:CC:DD:EE:01")
	if dev.OS != "Linux 5.15" {
		t.Errorf("os not stored: %q", dev.OS)
	}
	if dev.Type != domain.DeviceTypeServer {
		t.Errorf("expected reclassification to server, got %s", dev.Type)
	}
	reg.mu.Lock()
	ports := len(reg.ports[dev.MAC])
	reg.mu.Unlock()
	if ports != 2 {
		t.Errorf("expected 2 stored ports, got %d", ports)
	}

	// A device with a known OS is never re-probed.
	if err := o.fingerprint(context.Background(), "192.168.1.10"); err != nil {
		t.Fatalf("second fingerprint: %v", err)
	}
	if got := prober.fingerprints.Load(); got != 1 {
		t.Errorf("expected exactly 1 probe, got %d", got)
	}
}

func TestFingerprintUnknownIPIsNoop(t *testing.T) {
	reg := newFakeRegistry()
	prober := &fakeProber{}
	o := newTestOrchestrator(reg, prober, nil, &fakeNotifier{}, NotifyPolicy{})

	if err := o.fingerprint(context.Background(), "192.168.1.99"); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if got := prober.fingerprints.Load(); got != 0 {
		t.Errorf("expected no probe for unknown ip, got %d", got)
	}
}

// waitIdle polls until the scanning flag drops.
func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !o.state.IsScanning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("orchestrator never went idle")
}
