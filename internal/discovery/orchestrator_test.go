package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/voltlink-core/internal/adapter"
	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

func setupRegistry(t *testing.T) *device.Registry {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			device_id TEXT PRIMARY KEY,
			family TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			current_channel TEXT NOT NULL DEFAULT '',
			last_known_channel TEXT NOT NULL DEFAULT '',
			channel_history TEXT NOT NULL DEFAULT '[]',
			adapter_config TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'discovering',
			failure_count INTEGER NOT NULL DEFAULT 0,
			next_retry_time TEXT,
			first_discovered TEXT NOT NULL,
			last_seen TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE UNIQUE INDEX idx_devices_serial_number ON devices(serial_number);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return device.NewRegistry(device.NewSQLiteRepository(db))
}

// bus simulates what is physically plugged where. Tests mutate it between
// passes to emulate unplug and replug events. Every Open is recorded with
// the config it carried so tests can assert what parameters probes used.
type bus struct {
	mu      sync.Mutex
	devices map[string]busDevice // channel address -> attached device
	opens   map[string][]device.AdapterConfig
}

type busDevice struct {
	family device.Family
	serial string
}

func newBus() *bus {
	return &bus{
		devices: make(map[string]busDevice),
		opens:   make(map[string][]device.AdapterConfig),
	}
}

func (b *bus) attach(address string, family device.Family, serial string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[address] = busDevice{family: family, serial: serial}
}

func (b *bus) detach(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, address)
}

func (b *bus) lookup(address string) (busDevice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[address]
	return d, ok
}

func (b *bus) recordOpen(address string, cfg device.AdapterConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens[address] = append(b.opens[address], cfg)
}

func (b *bus) openConfigs(address string) []device.AdapterConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]device.AdapterConfig(nil), b.opens[address]...)
}

func (b *bus) channels() []channel.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]channel.Descriptor, 0, len(b.devices))
	for addr := range b.devices {
		out = append(out, channel.Descriptor{Kind: channel.KindSerial, Address: addr})
	}
	return out
}

// staticLister enumerates a fixed channel set regardless of what is attached.
type staticLister struct {
	addrs []string
}

func (l *staticLister) List(ctx context.Context) ([]channel.Descriptor, error) {
	out := make([]channel.Descriptor, 0, len(l.addrs))
	for _, a := range l.addrs {
		out = append(out, channel.Descriptor{Kind: channel.KindSerial, Address: a})
	}
	return out, nil
}

// busAdapter identifies devices of one family attached to the bus.
type busAdapter struct {
	family device.Family
	bus    *bus
}

// busBaud is the connection parameter the bus adapters report for every
// successful identification.
const busBaud = float64(9600)

func (a *busAdapter) Family() device.Family { return a.family }

func (a *busAdapter) Open(ctx context.Context, ch channel.Descriptor, cfg device.AdapterConfig) (adapter.Session, error) {
	a.bus.recordOpen(ch.Address, cfg)
	d, ok := a.bus.lookup(ch.Address)
	if !ok {
		return nil, fmt.Errorf("%w: nothing attached", adapter.ErrConnection)
	}
	if d.family != a.family {
		return nil, fmt.Errorf("%w: wrong family", adapter.ErrProtocol)
	}
	return &busSession{serial: d.serial}, nil
}

func (a *busAdapter) EffectiveConfig(ch channel.Descriptor, cfg device.AdapterConfig) device.AdapterConfig {
	if v, ok := cfg["baud"].(float64); ok && v > 0 {
		return device.AdapterConfig{"baud": v}
	}
	return device.AdapterConfig{"baud": busBaud}
}

type busSession struct {
	serial string
}

func (s *busSession) CheckConnectivity(ctx context.Context) error { return nil }
func (s *busSession) ReadSerialNumber(ctx context.Context) (string, error) {
	return s.serial, nil
}
func (s *busSession) Close() error { return nil }

func testAdapters(t *testing.T, b *bus) *adapter.Registry {
	t.Helper()
	order := []device.Family{
		device.FamilyMeter,
		device.FamilyBattery,
		device.FamilyInverterG3,
		device.FamilyInverterX1,
	}
	reg := adapter.NewRegistry(order)
	for _, f := range order {
		if err := reg.Register(&busAdapter{family: f, bus: b}); err != nil {
			t.Fatalf("registering adapter: %v", err)
		}
	}
	return reg
}

func testOrchestrator(t *testing.T, reg *device.Registry, b *bus, lister ChannelLister, maxFailures int) *Orchestrator {
	t.Helper()
	if lister == nil {
		lister = listerFunc(func(ctx context.Context) ([]channel.Descriptor, error) {
			return b.channels(), nil
		})
	}
	return NewOrchestrator(reg, lister, testAdapters(t, b), Config{
		IdentificationTimeout: time.Second,
		Concurrency:           4,
		Backoff: Backoff{
			Initial:     0, // immediately eligible again, keeps tests single-threaded in time
			Max:         time.Hour,
			Multiplier:  2.0,
			MaxFailures: maxFailures,
		},
	})
}

type listerFunc func(ctx context.Context) ([]channel.Descriptor, error)

func (f listerFunc) List(ctx context.Context) ([]channel.Descriptor, error) { return f(ctx) }

func TestOrchestrator_FreshDiscovery(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	o := testOrchestrator(t, reg, b, nil, 10)
	rep := o.RunOnce(context.Background())

	if rep.Error != "" {
		t.Fatalf("pass failed: %s", rep.Error)
	}
	if rep.Counts.Discovered != 1 {
		t.Fatalf("expected 1 discovered, got %+v", rep.Counts)
	}

	rec, err := reg.GetBySerial(context.Background(), "M-0042")
	if err != nil {
		t.Fatalf("expected record for M-0042: %v", err)
	}
	if rec.Status != device.StatusActive {
		t.Errorf("expected status active, got %q", rec.Status)
	}
	if rec.CurrentChannel != "/dev/ttyUSB0" {
		t.Errorf("expected channel /dev/ttyUSB0, got %q", rec.CurrentChannel)
	}
	if len(rec.ChannelHistory) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(rec.ChannelHistory))
	}
	if rec.AdapterConfig["baud"] != busBaud {
		t.Errorf("expected connection parameters captured at discovery, got %v", rec.AdapterConfig)
	}

	// Second pass: the device verifies in phase 1, nothing new appears.
	rep = o.RunOnce(context.Background())
	if rep.Counts.Verified != 1 || rep.Counts.Discovered != 0 {
		t.Errorf("expected idempotent second pass, got %+v", rep.Counts)
	}
}

func TestOrchestrator_UnplugReplug(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	// Enumerate both ports throughout so the move is purely about where
	// the device answers.
	lister := &staticLister{addrs: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}}
	o := testOrchestrator(t, reg, b, lister, 10)
	ctx := context.Background()

	o.RunOnce(ctx)

	// Unplug: the device vanishes entirely.
	b.detach("/dev/ttyUSB0")
	rep := o.RunOnce(ctx)
	if rep.Counts.Missed != 1 {
		t.Fatalf("expected 1 missed, got %+v", rep.Counts)
	}

	rec, _ := reg.GetBySerial(ctx, "M-0042")
	if rec.Status != device.StatusMissing {
		t.Fatalf("expected status missing, got %q", rec.Status)
	}
	if rec.LastKnownChannel != "/dev/ttyUSB0" {
		t.Errorf("expected last known channel preserved, got %q", rec.LastKnownChannel)
	}

	// Replug on a different port.
	b.attach("/dev/ttyUSB1", device.FamilyMeter, "M-0042")
	rep = o.RunOnce(ctx)
	if rep.Counts.Recovered != 1 {
		t.Fatalf("expected 1 recovered, got %+v (notes: %v)", rep.Counts, rep.Notes)
	}

	rec, _ = reg.GetBySerial(ctx, "M-0042")
	if rec.Status != device.StatusActive {
		t.Errorf("expected status active, got %q", rec.Status)
	}
	if rec.CurrentChannel != "/dev/ttyUSB1" {
		t.Errorf("expected channel /dev/ttyUSB1, got %q", rec.CurrentChannel)
	}
	if rec.FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", rec.FailureCount)
	}
	if len(rec.ChannelHistory) != 2 {
		t.Errorf("expected 2 history entries, got %d: %+v", len(rec.ChannelHistory), rec.ChannelHistory)
	}
}

func TestOrchestrator_SearchUsesStoredConfig(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	lister := &staticLister{addrs: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}}
	o := testOrchestrator(t, reg, b, lister, 10)
	ctx := context.Background()

	// Discover, then persist a non-default baud the way an operator tuning
	// the record would.
	o.RunOnce(ctx)
	rec, err := reg.GetBySerial(ctx, "M-0042")
	if err != nil {
		t.Fatalf("expected record for M-0042: %v", err)
	}
	if _, err := reg.RecordSighting(ctx, rec.DeviceID, rec.CurrentChannel, device.AdapterConfig{"baud": float64(4800)}); err != nil {
		t.Fatalf("RecordSighting failed: %v", err)
	}

	// Unplug and go missing, then replug on the other port.
	b.detach("/dev/ttyUSB0")
	o.RunOnce(ctx)
	b.attach("/dev/ttyUSB1", device.FamilyMeter, "M-0042")

	rep := o.RunOnce(ctx)
	if rep.Counts.Recovered != 1 {
		t.Fatalf("expected 1 recovered, got %+v (notes: %v)", rep.Counts, rep.Notes)
	}

	// The search probe on the new port must carry the record's stored
	// parameters, not family defaults.
	var sawStored bool
	for _, cfg := range b.openConfigs("/dev/ttyUSB1") {
		if cfg["baud"] == float64(4800) {
			sawStored = true
		}
	}
	if !sawStored {
		t.Errorf("expected a probe on /dev/ttyUSB1 with the stored baud, got %v", b.openConfigs("/dev/ttyUSB1"))
	}

	// And the recovery re-captures what the successful probe used.
	rec, err = reg.GetBySerial(ctx, "M-0042")
	if err != nil {
		t.Fatalf("expected record for M-0042: %v", err)
	}
	if rec.AdapterConfig["baud"] != float64(4800) {
		t.Errorf("expected stored baud preserved through recovery, got %v", rec.AdapterConfig)
	}
}

func TestOrchestrator_PermanentDisable(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	lister := &staticLister{addrs: []string{"/dev/ttyUSB0"}}
	o := testOrchestrator(t, reg, b, lister, 3)
	ctx := context.Background()

	o.RunOnce(ctx)
	b.detach("/dev/ttyUSB0")

	// Misses 1 and 2: still searching.
	o.RunOnce(ctx)
	rep := o.RunOnce(ctx)
	if rep.Counts.Disabled != 0 {
		t.Fatalf("disabled too early: %+v", rep.Counts)
	}

	// Miss 3 crosses the threshold.
	rep = o.RunOnce(ctx)
	if rep.Counts.Disabled != 1 {
		t.Fatalf("expected 1 disabled, got %+v", rep.Counts)
	}

	rec, _ := reg.GetBySerial(ctx, "M-0042")
	if rec.Status != device.StatusDisabled {
		t.Fatalf("expected status disabled, got %q", rec.Status)
	}

	// The device comes back, but disabled is terminal: a pass must not
	// revive it.
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")
	rep = o.RunOnce(ctx)
	if rep.Counts.Recovered != 0 || rep.Counts.Discovered != 0 {
		t.Fatalf("disabled device revived by a pass: %+v", rep.Counts)
	}
	if len(rep.Notes) == 0 {
		t.Error("expected a note about the disabled device answering")
	}

	rec, _ = reg.GetBySerial(ctx, "M-0042")
	if rec.Status != device.StatusDisabled {
		t.Errorf("expected status still disabled, got %q", rec.Status)
	}

	// Operator reactivation returns it to the rotation; the next pass
	// recovers it.
	if _, err := reg.Reactivate(ctx, rec.DeviceID); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	rep = o.RunOnce(ctx)
	if rep.Counts.Recovered != 1 {
		t.Fatalf("expected recovery after reactivation, got %+v", rep.Counts)
	}
}

func TestOrchestrator_ScopedTriggerSkipsDiscovery(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	lister := &staticLister{addrs: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}}
	o := testOrchestrator(t, reg, b, lister, 10)
	ctx := context.Background()

	o.RunOnce(ctx)
	b.detach("/dev/ttyUSB0")
	o.RunOnce(ctx) // goes missing

	rec, _ := reg.GetBySerial(ctx, "M-0042")

	// The known device reappears on USB1, and a brand-new device shows
	// up on USB0. A scoped pass must recover the former and ignore the
	// latter.
	b.attach("/dev/ttyUSB1", device.FamilyMeter, "M-0042")
	b.attach("/dev/ttyUSB0", device.FamilyBattery, "B-7")

	rep := o.Trigger(ctx, []string{rec.DeviceID})
	if rep.Counts.Recovered != 1 {
		t.Fatalf("expected scoped recovery, got %+v", rep.Counts)
	}
	if rep.Counts.Discovered != 0 {
		t.Errorf("scoped pass must not discover new devices: %+v", rep.Counts)
	}
	if _, err := reg.GetBySerial(ctx, "B-7"); err == nil {
		t.Error("expected B-7 to stay unregistered after scoped pass")
	}

	// A full pass then picks up the new device.
	rep = o.RunOnce(ctx)
	if rep.Counts.Discovered != 1 {
		t.Errorf("expected full pass to discover B-7, got %+v", rep.Counts)
	}
}

func TestOrchestrator_DuplicateSerialFirstWins(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	// The same serial answers on two channels in one pass.
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")
	b.attach("/dev/ttyUSB1", device.FamilyMeter, "M-0042")

	o := testOrchestrator(t, reg, b, nil, 10)
	rep := o.RunOnce(context.Background())

	if rep.Counts.Discovered != 1 {
		t.Fatalf("expected exactly 1 discovered, got %+v", rep.Counts)
	}

	records, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].CurrentChannel != "/dev/ttyUSB0" && records[0].CurrentChannel != "/dev/ttyUSB1" {
		t.Errorf("unexpected channel %q", records[0].CurrentChannel)
	}
}

func TestOrchestrator_OverlappingTriggerSkipped(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()

	started := make(chan struct{})
	release := make(chan struct{})
	lister := listerFunc(func(ctx context.Context) ([]channel.Descriptor, error) {
		close(started)
		<-release
		return nil, nil
	})

	o := testOrchestrator(t, reg, b, lister, 10)

	done := make(chan *Report, 1)
	go func() { done <- o.RunOnce(context.Background()) }()

	<-started
	rep := o.Trigger(context.Background(), nil)
	if !rep.Skipped {
		t.Error("expected overlapping trigger to be skipped")
	}

	close(release)
	first := <-done
	if first.Skipped {
		t.Error("expected the original pass to run")
	}
}

// recordingSink captures sink callbacks for assertions.
type recordingSink struct {
	mu      sync.Mutex
	status  []device.Record
	reports []Report
}

func (s *recordingSink) DeviceStatusChanged(ctx context.Context, rec *device.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, *rec)
}

func (s *recordingSink) PassCompleted(ctx context.Context, rep *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *rep)
}

func TestOrchestrator_SinksReceiveEvents(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	b.attach("/dev/ttyUSB0", device.FamilyMeter, "M-0042")

	o := testOrchestrator(t, reg, b, nil, 10)
	sink := &recordingSink{}
	o.AddSink(sink)

	o.RunOnce(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reports) != 1 {
		t.Fatalf("expected 1 pass report, got %d", len(sink.reports))
	}
	if len(sink.status) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(sink.status))
	}
	if sink.status[0].Status != device.StatusActive {
		t.Errorf("expected active status event, got %q", sink.status[0].Status)
	}
	if sink.reports[0].PassID == "" {
		t.Error("expected a pass ID on the report")
	}
}

func TestOrchestrator_LastReport(t *testing.T) {
	reg := setupRegistry(t)
	b := newBus()
	o := testOrchestrator(t, reg, b, nil, 10)

	if o.LastReport() != nil {
		t.Error("expected no report before the first pass")
	}

	rep := o.RunOnce(context.Background())
	last := o.LastReport()
	if last == nil || last.PassID != rep.PassID {
		t.Errorf("expected last report to match the pass, got %+v", last)
	}
}
