package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiscoveryStep names one step of the capability discovery pipeline.
type DiscoveryStep string

const (
	StepHeartRateService     DiscoveryStep = "heart-rate service"
	StepHeartRateMeasurement DiscoveryStep = "heart-rate measurement characteristic"
	StepAutomationIOService  DiscoveryStep = "automation-io service"
	StepLEDControl           DiscoveryStep = "led-control characteristic"
)

// DiscoveryError reports the pipeline step that failed after a link had been
// established. Only discovery failures are surfaced through the capability
// set; cancellation and pre-connection churn never produce one.
type DiscoveryError struct {
	Step DiscoveryStep
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("ble: discover %s: %v", e.Step, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CapabilitySet holds the handles discovered on the managed peripheral.
// Either all four handles are set and Err is nil, or all four are nil.
// The set never holds a partial discovery result.
type CapabilitySet struct {
	HeartRateService     Service
	HeartRateMeasurement Characteristic
	AutomationIOService  Service
	LEDControl           Characteristic
	Err                  error
}

// Ready reports whether the full capability set is available.
func (s CapabilitySet) Ready() bool {
	return s.HeartRateService != nil &&
		s.HeartRateMeasurement != nil &&
		s.AutomationIOService != nil &&
		s.LEDControl != nil
}

// Options configures Manager behavior.
type Options struct {
	DisconnectTimeout time.Duration // how long Stop waits for the stack to confirm disconnection
	DiscoveryTimeout  time.Duration // per discovery step; 0 means no limit
	Logger            *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DisconnectTimeout: 5 * time.Second,
		DiscoveryTimeout:  10 * time.Second,
		Logger:            slog.Default(),
	}
}

// Manager owns the lifecycle of a single managed peripheral connection:
// starting and stopping connection attempts, observing the stack's
// connection-state sequence, running discovery on every connected
// transition, and publishing the discovered capability set.
//
// At most one attempt is active at any time. Starting a new attempt (or
// calling Stop) first cancels the previous one and waits for it to wind
// down, so a superseded attempt can never interleave with its successor.
//
// There is deliberately no automatic reconnect or retry once discovery has
// failed; callers decide that policy.
type Manager struct {
	stack Stack
	opts  Options
	log   *slog.Logger

	// opMu serializes ManageConnection and Stop so their internal steps
	// never interleave.
	opMu sync.Mutex

	// mu guards the observable state below.
	mu       sync.Mutex
	target   Peripheral
	caps     CapabilitySet
	attempt  *attempt
	onChange func()
}

// attempt is the single slot for the in-flight connection attempt.
type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a connection manager over the given stack.
func NewManager(stack Stack, opts Options) *Manager {
	def := DefaultOptions()
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = def.DisconnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Manager{
		stack: stack,
		opts:  opts,
		log:   opts.Logger,
	}
}

// OnChange registers a callback invoked after every observable state change.
// The callback runs outside the manager's locks and must not call back into
// ManageConnection or Stop synchronously.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Target returns the currently managed peripheral, or nil.
func (m *Manager) Target() Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Capabilities returns a snapshot of the discovered capability set.
func (m *Manager) Capabilities() CapabilitySet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Stop cancels any in-flight attempt, requests disconnection from the stack,
// waits for the disconnected state (bounded by DisconnectTimeout), and clears
// the capability set. Calling Stop with no active peripheral is a no-op
// beyond the clear.
func (m *Manager) Stop() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopLocked()
}

// ManageConnection targets the peripheral named by identifier. A missing or
// malformed identifier behaves exactly like Stop. A well-formed identifier
// the stack cannot resolve clears the current target silently; no error is
// surfaced. Otherwise the previous attempt is superseded and a new one is
// started against the resolved handle.
func (m *Manager) ManageConnection(identifier string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	id, err := uuid.Parse(identifier)
	if err != nil {
		m.stopLocked()
		return
	}

	p, ok := m.stack.Lookup(id)
	if !ok {
		m.log.Warn("[BLE] device not known to stack", "device", id)
		m.stopLocked()
		return
	}

	// Release the previous attempt before the new one's first side effect.
	m.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.target = p
	m.attempt = att
	m.mu.Unlock()
	m.notify()

	m.log.Info("[BLE] managing connection", "device", id, "name", p.Name())
	go m.run(ctx, att, p)
}

// stopLocked implements Stop. Caller must hold opMu.
func (m *Manager) stopLocked() {
	m.mu.Lock()
	att := m.attempt
	target := m.target
	m.attempt = nil
	m.target = nil
	m.mu.Unlock()

	if att != nil {
		att.cancel()
		<-att.done
	}

	if target != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
		if err := target.Disconnect(ctx); err != nil {
			m.log.Warn("[BLE] disconnect not confirmed", "device", target.ID(), "error", err)
		}
		cancel()
		m.log.Info("[BLE] stopped", "device", target.ID())
	}

	m.mu.Lock()
	m.caps = CapabilitySet{}
	m.mu.Unlock()
	m.notify()
}

// run consumes the attempt's connection-state sequence. On every connected
// transition it runs the discovery pipeline; any other state clears the
// capability set and keeps waiting. A discovery failure is recorded and ends
// the attempt. Cancellation ends it silently.
func (m *Manager) run(ctx context.Context, att *attempt, p Peripheral) {
	defer close(att.done)
	// Tear down the state subscription when the attempt ends for any reason.
	defer att.cancel()

	states := p.Connect(ctx)
	for {
		var st ConnectionState
		var ok bool
		select {
		case <-ctx.Done():
			return
		case st, ok = <-states:
			if !ok {
				return
			}
		}

		if st.Phase != PhaseConnected {
			m.log.Info("[BLE] connection state", "device", p.ID(), "state", st.Phase.String())
			m.publish(att, CapabilitySet{})
			continue
		}

		m.log.Info("[BLE] connected, discovering capabilities", "device", p.ID())
		caps, err := m.discover(ctx, p)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			m.log.Warn("[BLE] discovery failed", "device", p.ID(), "error", err)
			m.publish(att, CapabilitySet{Err: err})
			return
		}
		m.publish(att, caps)
		m.log.Info("[BLE] capabilities ready", "device", p.ID())
	}
}

// discover runs the fixed pipeline of (parent, child-identifier) lookups, in
// order, short-circuiting on the first failure. It returns either the full
// capability set or an error; never a partial set.
func (m *Manager) discover(ctx context.Context, p Peripheral) (CapabilitySet, error) {
	var caps CapabilitySet

	step := func(name DiscoveryStep, fn func(context.Context) error) error {
		sctx := ctx
		if m.opts.DiscoveryTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, m.opts.DiscoveryTimeout)
			defer cancel()
		}
		if err := fn(sctx); err != nil {
			if ctx.Err() != nil {
				// The attempt was cancelled mid-step; not a discovery failure.
				return ctx.Err()
			}
			return &DiscoveryError{Step: name, Err: err}
		}
		return nil
	}

	if err := step(StepHeartRateService, func(sctx context.Context) error {
		svc, err := p.DiscoverService(sctx, HeartRateServiceUUID)
		caps.HeartRateService = svc
		return err
	}); err != nil {
		return CapabilitySet{}, err
	}

	if err := step(StepHeartRateMeasurement, func(sctx context.Context) error {
		char, err := caps.HeartRateService.DiscoverCharacteristic(sctx, HeartRateMeasurementUUID)
		caps.HeartRateMeasurement = char
		return err
	}); err != nil {
		return CapabilitySet{}, err
	}

	if err := step(StepAutomationIOService, func(sctx context.Context) error {
		svc, err := p.DiscoverService(sctx, AutomationIOServiceUUID)
		caps.AutomationIOService = svc
		return err
	}); err != nil {
		return CapabilitySet{}, err
	}

	if err := step(StepLEDControl, func(sctx context.Context) error {
		char, err := caps.AutomationIOService.DiscoverCharacteristic(sctx, LEDControlUUID)
		caps.LEDControl = char
		return err
	}); err != nil {
		return CapabilitySet{}, err
	}

	return caps, nil
}

// publish installs the capability snapshot, unless the attempt has been
// superseded. A cancelled attempt must never touch the observable state.
func (m *Manager) publish(att *attempt, caps CapabilitySet) {
	m.mu.Lock()
	if m.attempt != att {
		m.mu.Unlock()
		return
	}
	m.caps = caps
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
