package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(stack Stack) *Manager {
	return NewManager(stack, Options{
		DisconnectTimeout: 100 * time.Millisecond,
	})
}

func waitForConnect(t *testing.T, p *mockPeripheral, calls int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.connects() == calls },
		waitFor, tick, "peripheral should have %d connect calls", calls)
}

func TestManageConnectionMalformedIdentifier(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection("not-a-uuid")

	assert.Equal(t, 0, stack.lookups(), "malformed identifier must not reach the stack lookup")
	assert.Nil(t, m.Target())
	caps := m.Capabilities()
	assert.False(t, caps.Ready())
	assert.NoError(t, caps.Err)
}

func TestManageConnectionEmptyIdentifierActsAsStop(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)
	p.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)

	m.ManageConnection("")

	assert.Nil(t, m.Target())
	assert.False(t, m.Capabilities().Ready())
	assert.GreaterOrEqual(t, p.disconnects(), 1, "previous target should be disconnected")
}

func TestManageConnectionUnknownDevice(t *testing.T) {
	stack := newMockStack()
	m := newTestManager(stack)

	m.ManageConnection(uuid.New().String())

	assert.Equal(t, 1, stack.lookups())
	assert.Nil(t, m.Target(), "unresolvable identifier should clear the target silently")
	caps := m.Capabilities()
	assert.False(t, caps.Ready())
	assert.NoError(t, caps.Err, "unresolvable identifier must not surface an error")
}

func TestDiscoverySucceedsOnConnect(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)

	p.SimulateState(ConnectionState{Phase: PhaseConnecting})
	p.SimulateState(ConnectionState{Phase: PhaseConnected})

	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)

	caps := m.Capabilities()
	assert.NotNil(t, caps.HeartRateService)
	assert.NotNil(t, caps.HeartRateMeasurement)
	assert.NotNil(t, caps.AutomationIOService)
	assert.NotNil(t, caps.LEDControl)
	assert.NoError(t, caps.Err)
	assert.Equal(t, HeartRateMeasurementUUID, caps.HeartRateMeasurement.UUID())
	assert.Equal(t, LEDControlUUID, caps.LEDControl.UUID())
}

func TestDiscoveryFailureSurfacedAndHalts(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	p.svcErrs = map[string]error{AutomationIOServiceUUID: ErrNotFound}
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)
	p.SimulateState(ConnectionState{Phase: PhaseConnected})

	require.Eventually(t, func() bool { return m.Capabilities().Err != nil }, waitFor, tick)

	caps := m.Capabilities()
	assert.Nil(t, caps.HeartRateService, "no partial capability set may survive a failed discovery")
	assert.Nil(t, caps.HeartRateMeasurement)
	assert.Nil(t, caps.AutomationIOService)
	assert.Nil(t, caps.LEDControl)

	var derr *DiscoveryError
	require.ErrorAs(t, caps.Err, &derr)
	assert.Equal(t, StepAutomationIOService, derr.Step)
	assert.ErrorIs(t, caps.Err, ErrNotFound)

	// The attempt has halted: a later connected transition is not consumed.
	p.SimulateState(ConnectionState{Phase: PhaseConnected})
	time.Sleep(50 * time.Millisecond)
	assert.Error(t, m.Capabilities().Err, "a halted attempt must not retry discovery")
	assert.False(t, m.Capabilities().Ready())
}

func TestDisconnectClearsCapabilitiesAndRetries(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)

	p.SimulateState(ConnectionState{Phase: PhaseConnecting})
	p.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)

	// Link drop: capability set cleared, no terminal error, loop keeps waiting.
	p.SimulateState(ConnectionState{Phase: PhaseDisconnected})
	require.Eventually(t, func() bool { return !m.Capabilities().Ready() }, waitFor, tick)
	assert.NoError(t, m.Capabilities().Err, "ordinary state churn is not a failure")

	// Next connected transition retries discovery.
	p.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)
	assert.Equal(t, 1, p.connects(), "the same attempt keeps consuming the sequence")
}

func TestStopIsIdempotent(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)
	p.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)

	m.Stop()
	disconnects := p.disconnects()
	assert.GreaterOrEqual(t, disconnects, 1)
	assert.Nil(t, m.Target())
	assert.False(t, m.Capabilities().Ready())
	assert.NoError(t, m.Capabilities().Err)
	require.Eventually(t, p.sequenceClosed, waitFor, tick,
		"the attempt's state sequence must be torn down")

	m.Stop()
	assert.Equal(t, disconnects, p.disconnects(), "second stop has no peripheral to disconnect")
	assert.Nil(t, m.Target())
	assert.False(t, m.Capabilities().Ready())
	assert.NoError(t, m.Capabilities().Err)
}

func TestStopOnFreshManagerIsANoOp(t *testing.T) {
	m := newTestManager(newMockStack())
	m.Stop()
	assert.Nil(t, m.Target())
	assert.False(t, m.Capabilities().Ready())
}

func TestNewAttemptSupersedesPrevious(t *testing.T) {
	a := newMockPeripheral(uuid.New(), "Sensor A")
	b := newMockPeripheral(uuid.New(), "Sensor B")
	stack := newMockStack(a, b)
	m := newTestManager(stack)

	m.ManageConnection(a.id.String())
	waitForConnect(t, a, 1)
	a.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)

	m.ManageConnection(b.id.String())

	// A's attempt must be fully wound down before B's first stack interaction.
	require.Eventually(t, a.sequenceClosed, waitFor, tick, "superseded attempt must be cancelled")
	assert.GreaterOrEqual(t, a.disconnects(), 1)
	require.Equal(t, b, m.Target())
	assert.False(t, m.Capabilities().Ready(), "capabilities from the old target must not leak")

	waitForConnect(t, b, 1)
	b.SimulateState(ConnectionState{Phase: PhaseConnected})
	require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)
	assert.Equal(t, 1, b.connects())
}

func TestStopDuringDiscoveryIsSilent(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	p.blockDiscovery = true
	stack := newMockStack(p)
	m := newTestManager(stack)

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)
	p.SimulateState(ConnectionState{Phase: PhaseConnected})

	// Wait until the attempt is inside a discovery step, then stop.
	select {
	case <-p.discoverStarted:
	case <-time.After(waitFor):
		t.Fatal("discovery never started")
	}
	m.Stop()

	caps := m.Capabilities()
	assert.NoError(t, caps.Err, "cancellation must never surface as an error")
	assert.False(t, caps.Ready())
	assert.Nil(t, m.Target())
}

func TestCapabilitySetTransitionsAreAtomic(t *testing.T) {
	p := newMockPeripheral(uuid.New(), "HR Sensor")
	stack := newMockStack(p)
	m := newTestManager(stack)

	var mu sync.Mutex
	var partial []CapabilitySet
	m.OnChange(func() {
		caps := m.Capabilities()
		n := 0
		for _, h := range []bool{
			caps.HeartRateService != nil,
			caps.HeartRateMeasurement != nil,
			caps.AutomationIOService != nil,
			caps.LEDControl != nil,
		} {
			if h {
				n++
			}
		}
		if n != 0 && n != 4 {
			mu.Lock()
			partial = append(partial, caps)
			mu.Unlock()
		}
	})

	m.ManageConnection(p.id.String())
	waitForConnect(t, p, 1)
	for i := 0; i < 3; i++ {
		p.SimulateState(ConnectionState{Phase: PhaseConnecting})
		p.SimulateState(ConnectionState{Phase: PhaseConnected})
		require.Eventually(t, func() bool { return m.Capabilities().Ready() }, waitFor, tick)
		p.SimulateState(ConnectionState{Phase: PhaseDisconnected})
		require.Eventually(t, func() bool { return !m.Capabilities().Ready() }, waitFor, tick)
	}
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, partial, "capability set must transition empty<->full only")
}

func TestDiscoveryErrorMessage(t *testing.T) {
	err := &DiscoveryError{Step: StepLEDControl, Err: ErrNotFound}
	assert.Equal(t, "ble: discover led-control characteristic: ble: attribute not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "connecting", PhaseConnecting.String())
	assert.Equal(t, "connected", PhaseConnected.String())
	assert.Equal(t, "disconnected", PhaseDisconnected.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
