package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/voltlink-core/internal/adapter"
	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
)

// Logger defines the logging interface used by the orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ChannelLister produces the channel set for a pass.
type ChannelLister interface {
	List(ctx context.Context) ([]channel.Descriptor, error)
}

// Sink receives discovery outcomes as they are committed. Implementations
// fan the events out to MQTT, WebSocket clients or metrics storage and must
// not block for long.
type Sink interface {
	// DeviceStatusChanged fires after a device's lifecycle state was
	// persisted. The record is a private copy.
	DeviceStatusChanged(ctx context.Context, rec *device.Record)

	// PassCompleted fires once per finished pass, skipped passes included.
	PassCompleted(ctx context.Context, rep *Report)
}

// Config carries the tuning knobs for a pass.
type Config struct {
	// IdentificationTimeout bounds each individual probe.
	IdentificationTimeout time.Duration

	// Concurrency bounds how many channels are probed at once.
	Concurrency int

	// Backoff is the retry schedule for missing devices.
	Backoff Backoff
}

// Orchestrator runs discovery passes: verify what should be there, search
// for what went missing, claim what is new, and retire what never comes
// back. A pass holds an exclusive scan lock; overlapping triggers are
// reported as skipped, never queued.
type Orchestrator struct {
	devices  *device.Registry
	channels ChannelLister
	adapters *adapter.Registry
	cfg      Config
	logger   Logger
	sinks    []Sink
	now      func() time.Time

	scanMu sync.Mutex // held for the duration of a pass

	lastMu sync.RWMutex
	last   *Report
}

// NewOrchestrator assembles an orchestrator. Concurrency below 1 is clamped
// to 1.
func NewOrchestrator(devices *device.Registry, channels ChannelLister, adapters *adapter.Registry, cfg Config) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{
		devices:  devices,
		channels: channels,
		adapters: adapters,
		cfg:      cfg,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// AddSink attaches an event sink. Not safe to call once passes are running.
func (o *Orchestrator) AddSink(s Sink) {
	o.sinks = append(o.sinks, s)
}

// LastReport returns the most recent pass report, or nil before the first
// pass.
func (o *Orchestrator) LastReport() *Report {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// RunOnce executes one full discovery pass.
func (o *Orchestrator) RunOnce(ctx context.Context) *Report {
	return o.run(ctx, nil)
}

// Trigger executes a pass restricted to the given device IDs. A non-empty
// scope verifies and searches only those devices and never claims new ones.
// An empty scope is a full pass.
func (o *Orchestrator) Trigger(ctx context.Context, scope []string) *Report {
	return o.run(ctx, scope)
}

// passState is the mutable bookkeeping shared by a pass's probe workers.
type passState struct {
	mu              sync.Mutex
	report          *Report
	claimedChannels map[string]struct{} // channel addresses settled this pass
	claimedSerials  map[string]string   // normalised serial -> device ID
}

func (st *passState) note(format string, args ...any) {
	st.mu.Lock()
	st.report.Notes = append(st.report.Notes, fmt.Sprintf(format, args...))
	st.mu.Unlock()
}

// claim reserves a channel and serial pair for one device. It fails when a
// concurrent worker already settled either, which is how duplicate serials
// on two channels resolve: first success wins.
func (st *passState) claim(address, serial, deviceID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, taken := st.claimedChannels[address]; taken {
		return false
	}
	if owner, taken := st.claimedSerials[serial]; taken && owner != deviceID {
		return false
	}
	st.claimedChannels[address] = struct{}{}
	st.claimedSerials[serial] = deviceID
	return true
}

func (st *passState) channelClaimed(address string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, taken := st.claimedChannels[address]
	return taken
}

func (o *Orchestrator) run(ctx context.Context, scope []string) *Report {
	report := &Report{
		PassID:    uuid.New().String(),
		Scope:     scope,
		StartedAt: o.now().UTC(),
	}

	if !o.scanMu.TryLock() {
		report.Skipped = true
		o.logger.Info("discovery pass skipped, another pass is running", "pass_id", report.PassID)
		o.finish(ctx, report)
		return report
	}
	defer o.scanMu.Unlock()

	o.logger.Info("discovery pass started", "pass_id", report.PassID, "scope", len(scope))

	// The registry is the one dependency a pass cannot run without.
	records, err := o.devices.List(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("listing devices: %v", err)
		o.logger.Error("discovery pass aborted", "pass_id", report.PassID, "error", err)
		o.finish(ctx, report)
		return report
	}

	channels, err := o.channels.List(ctx)
	if err != nil {
		// Degraded enumeration: probe what we got, try again next pass.
		report.Notes = append(report.Notes, fmt.Sprintf("channel enumeration degraded: %v", err))
		o.logger.Warn("channel enumeration degraded", "pass_id", report.PassID, "error", err)
	}
	report.ChannelsProbed = len(channels)

	byAddress := make(map[string]channel.Descriptor, len(channels))
	for _, ch := range channels {
		byAddress[ch.Address] = ch
	}

	inScope := func(deviceID string) bool {
		if len(scope) == 0 {
			return true
		}
		for _, id := range scope {
			if id == deviceID {
				return true
			}
		}
		return false
	}

	st := &passState{
		report:          report,
		claimedChannels: make(map[string]struct{}),
		claimedSerials:  make(map[string]string),
	}

	var actives, searchable []device.Record
	for _, rec := range records {
		if !inScope(rec.DeviceID) {
			continue
		}
		switch rec.Status {
		case device.StatusActive:
			actives = append(actives, rec)
		case device.StatusMissing, device.StatusDiscovering:
			if rec.NextRetryTime == nil || !rec.NextRetryTime.After(o.now()) {
				searchable = append(searchable, rec)
			}
		}
	}

	o.verifyActive(ctx, st, actives, byAddress)
	o.searchMissing(ctx, st, searchable, channels)
	if len(scope) == 0 {
		o.discoverNew(ctx, st, channels)
	}

	report.Duration = o.now().UTC().Sub(report.StartedAt)
	o.lastMu.Lock()
	o.last = report
	o.lastMu.Unlock()

	o.logger.Info("discovery pass finished",
		"pass_id", report.PassID,
		"duration", report.Duration,
		"verified", report.Counts.Verified,
		"missed", report.Counts.Missed,
		"recovered", report.Counts.Recovered,
		"discovered", report.Counts.Discovered,
		"disabled", report.Counts.Disabled)

	o.finish(ctx, report)
	return report
}

func (o *Orchestrator) finish(ctx context.Context, report *Report) {
	for _, s := range o.sinks {
		s.PassCompleted(ctx, report)
	}
}

func (o *Orchestrator) emitStatus(ctx context.Context, rec *device.Record) {
	for _, s := range o.sinks {
		s.DeviceStatusChanged(ctx, rec.DeepCopy())
	}
}

// verifyActive is phase 1: every active device must still answer on its
// current channel. No other channel is consulted here.
func (o *Orchestrator) verifyActive(ctx context.Context, st *passState, actives []device.Record, byAddress map[string]channel.Descriptor) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for i := range actives {
		rec := actives[i]
		g.Go(func() error {
			ch, present := byAddress[rec.CurrentChannel]
			if !present {
				o.recordMiss(gctx, st, &rec, "channel no longer present")
				return nil
			}

			a, err := o.adapters.Get(rec.Family)
			if err != nil {
				st.note("device %s: %v", rec.DeviceID, err)
				return nil
			}

			serial, probeCfg, err := adapter.Identify(gctx, a, ch, rec.AdapterConfig, o.cfg.IdentificationTimeout)
			if err != nil {
				o.recordMiss(gctx, st, &rec, fmt.Sprintf("verification failed: %v", err))
				return nil
			}

			if device.NormalizeSerial(serial) != rec.SerialNumber {
				// Something answered, but it is not this device.
				o.recordMiss(gctx, st, &rec, fmt.Sprintf("different device (serial %s) answered on channel", device.NormalizeSerial(serial)))
				return nil
			}

			if _, err := o.devices.RecordSighting(gctx, rec.DeviceID, rec.CurrentChannel, probeCfg); err != nil {
				st.note("device %s: recording sighting: %v", rec.DeviceID, err)
				return nil
			}
			st.claim(rec.CurrentChannel, rec.SerialNumber, rec.DeviceID)
			st.mu.Lock()
			st.report.Counts.Verified++
			st.mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// recordMiss commits one failed contact and updates the report. The retry
// time is derived inside the registry mutation from the failure count it
// persists, never from this pass's pre-read snapshot.
func (o *Orchestrator) recordMiss(ctx context.Context, st *passState, rec *device.Record, reason string) {
	schedule := func(failureCount int) time.Time {
		return o.cfg.Backoff.NextRetry(o.now(), failureCount)
	}
	updated, err := o.devices.RecordMiss(ctx, rec.DeviceID, schedule, o.cfg.Backoff.MaxFailures)
	if err != nil {
		st.note("device %s: recording miss: %v", rec.DeviceID, err)
		return
	}

	st.mu.Lock()
	st.report.Counts.Missed++
	if updated.Status == device.StatusDisabled && rec.Status != device.StatusDisabled {
		st.report.Counts.Disabled++
		st.report.Transitions = append(st.report.Transitions, Transition{
			DeviceID: rec.DeviceID,
			From:     rec.Status,
			To:       device.StatusDisabled,
			Reason:   fmt.Sprintf("failure threshold reached after %d attempts (%s)", updated.FailureCount, reason),
		})
	} else if rec.Status != updated.Status {
		st.report.Transitions = append(st.report.Transitions, Transition{
			DeviceID: rec.DeviceID,
			From:     rec.Status,
			To:       updated.Status,
			Reason:   reason,
		})
	}
	st.mu.Unlock()

	o.emitStatus(ctx, updated)
}

// recordRecovery commits one found-again device and updates the report.
func (o *Orchestrator) recordRecovery(ctx context.Context, st *passState, rec *device.Record, address string, cfg device.AdapterConfig) {
	updated, err := o.devices.RecordSighting(ctx, rec.DeviceID, address, cfg)
	if err != nil {
		st.note("device %s: recording recovery: %v", rec.DeviceID, err)
		return
	}

	st.mu.Lock()
	st.report.Counts.Recovered++
	st.report.Transitions = append(st.report.Transitions, Transition{
		DeviceID: rec.DeviceID,
		From:     rec.Status,
		To:       device.StatusActive,
		Channel:  address,
		Reason:   fmt.Sprintf("found on channel %s", address),
	})
	st.mu.Unlock()

	o.logger.Info("device recovered", "device_id", rec.DeviceID, "channel", address)
	o.emitStatus(ctx, updated)
}

// searchMissing is phase 2: missing devices whose retry time has elapsed are
// looked for across every channel phase 1 did not settle. Only the families
// of the searched devices are probed.
func (o *Orchestrator) searchMissing(ctx context.Context, st *passState, searchable []device.Record, channels []channel.Descriptor) {
	if len(searchable) == 0 {
		return
	}

	bySerial := make(map[string]device.Record, len(searchable))
	for _, rec := range searchable {
		bySerial[rec.SerialNumber] = rec
	}

	// Own families only, in the configured priority order, each probed with
	// the connection parameters its searched records were last seen with. A
	// device that moves ports keeps its baud, so the stored config is the
	// best first guess on every candidate channel.
	type searchProbe struct {
		family device.Family
		cfg    device.AdapterConfig
	}
	var probes []searchProbe
	seen := make(map[string]struct{})
	for _, f := range o.adapters.ProbeOrder() {
		for _, rec := range searchable {
			if rec.Family != f {
				continue
			}
			// fmt prints map keys sorted, so identical configs dedupe.
			key := fmt.Sprintf("%s %v", f, rec.AdapterConfig)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			probes = append(probes, searchProbe{family: f, cfg: rec.AdapterConfig})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			if st.channelClaimed(ch.Address) {
				return nil
			}

			for _, p := range probes {
				a, err := o.adapters.Get(p.family)
				if err != nil {
					continue
				}

				serial, probeCfg, err := adapter.Identify(gctx, a, ch, p.cfg, o.cfg.IdentificationTimeout)
				if err != nil {
					continue
				}

				normalized := device.NormalizeSerial(serial)
				rec, wanted := bySerial[normalized]
				if !wanted {
					// Not one of the searched devices; phase 3 decides
					// what lives here.
					return nil
				}

				if !st.claim(ch.Address, normalized, rec.DeviceID) {
					st.note("device %s: serial %s answered on %s but was already settled elsewhere this pass",
						rec.DeviceID, normalized, ch.Address)
					return nil
				}

				o.recordRecovery(gctx, st, &rec, ch.Address, probeCfg)
				return nil
			}
			return nil
		})
	}
	g.Wait()

	// A searched device found nowhere burns one more retry.
	for i := range searchable {
		rec := searchable[i]
		st.mu.Lock()
		owner, found := st.claimedSerials[rec.SerialNumber]
		st.mu.Unlock()
		if found && owner == rec.DeviceID {
			continue
		}
		o.recordMiss(ctx, st, &rec, "not found on any channel")
	}
}

// discoverNew is phase 3: channels still unclaimed are probed in the family
// priority order. The first family to identify a device wins the channel.
func (o *Orchestrator) discoverNew(ctx context.Context, st *passState, channels []channel.Descriptor) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			if st.channelClaimed(ch.Address) {
				return nil
			}

			for _, family := range o.adapters.ProbeOrder() {
				a, err := o.adapters.Get(family)
				if err != nil {
					continue
				}

				serial, probeCfg, err := adapter.Identify(gctx, a, ch, nil, o.cfg.IdentificationTimeout)
				if err != nil {
					continue
				}

				o.settleDiscovery(gctx, st, family, serial, ch.Address, probeCfg)
				// One device per channel; the first identification wins.
				return nil
			}
			return nil
		})
	}
	g.Wait()
}

// settleDiscovery reconciles one successful phase-3 identification against
// the registry.
func (o *Orchestrator) settleDiscovery(ctx context.Context, st *passState, family device.Family, serial, address string, cfg device.AdapterConfig) {
	normalized := device.NormalizeSerial(serial)

	rec, created, err := o.devices.Register(ctx, family, normalized, address, cfg)
	if err != nil {
		st.note("channel %s: registering serial %s: %v", address, normalized, err)
		return
	}

	if !st.claim(address, normalized, rec.DeviceID) {
		st.note("serial %s answered on %s but was already settled elsewhere this pass", normalized, address)
		return
	}

	if created {
		st.mu.Lock()
		st.report.Counts.Discovered++
		st.report.Transitions = append(st.report.Transitions, Transition{
			DeviceID: rec.DeviceID,
			From:     device.StatusDiscovering,
			To:       device.StatusActive,
			Channel:  address,
			Reason:   fmt.Sprintf("new %s discovered on channel %s", family, address),
		})
		st.mu.Unlock()

		o.logger.Info("device discovered",
			"device_id", rec.DeviceID, "family", family, "channel", address)
		o.emitStatus(ctx, rec)
		return
	}

	switch rec.Status {
	case device.StatusDisabled:
		// Terminal: the device answers, but only an operator may revive it.
		st.note("disabled device %s answered on %s; ignoring until reactivated", rec.DeviceID, address)
	case device.StatusActive:
		st.note("active device %s answered again on %s; keeping %s", rec.DeviceID, address, rec.CurrentChannel)
	default:
		o.recordRecovery(ctx, st, rec, address, cfg)
	}
}
