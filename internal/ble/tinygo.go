package ble

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinygoStack implements Stack over tinygo.org/x/bluetooth.
//
// On macOS the framework reports CoreBluetooth UUIDs as device addresses,
// which is what pulselight persists as device identifiers. Lookup only
// resolves identifiers previously seen in a scan, mirroring the platform's
// retrieve-by-identifier behavior for unknown devices.
type TinygoStack struct {
	adapter *bluetooth.Adapter

	// mu protects the known peripheral registry.
	mu    sync.Mutex
	known map[uuid.UUID]*tinygoPeripheral
}

// NewTinygoStack creates a stack over the default vendor adapter.
func NewTinygoStack() *TinygoStack {
	return &TinygoStack{
		adapter: bluetooth.DefaultAdapter,
		known:   make(map[uuid.UUID]*tinygoPeripheral),
	}
}

func (s *TinygoStack) Enable() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The vendor framework reports link drops through a single adapter-level
	// callback. Route each event to the peripheral it belongs to so it shows
	// up in that peripheral's state sequence.
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id, err := uuid.Parse(device.Address.String())
		if err != nil {
			return
		}
		s.mu.Lock()
		p, ok := s.known[id]
		s.mu.Unlock()
		if ok {
			p.handleLinkEvent(connected)
		}
	})

	return nil
}

func (s *TinygoStack) Scan(ctx context.Context, serviceUUID string) ([]Advertisement, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var advs []Advertisement
	seen := make(map[uuid.UUID]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.adapter.StopScan()
		case <-done:
		}
	}()

	err = s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(svcUUID) {
			return
		}
		id, err := uuid.Parse(result.Address.String())
		if err != nil {
			return
		}
		s.register(id, result)
		mu.Lock()
		defer mu.Unlock()
		if seen[id] {
			return
		}
		seen[id] = true
		advs = append(advs, Advertisement{
			ID:   id,
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return advs, nil
}

func (s *TinygoStack) Lookup(id uuid.UUID) (Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.known[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *TinygoStack) register(id uuid.UUID, result bluetooth.ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.known[id]; ok {
		if name := result.LocalName(); name != "" {
			p.setName(name)
		}
		return
	}
	s.known[id] = &tinygoPeripheral{
		stack: s,
		id:    id,
		name:  result.LocalName(),
		addr:  result.Address,
	}
}

// Compile-time check that TinygoStack implements Stack.
var _ Stack = (*TinygoStack)(nil)

type tinygoPeripheral struct {
	stack *TinygoStack
	id    uuid.UUID
	addr  bluetooth.Address

	mu       sync.Mutex
	name     string
	device   *bluetooth.Device
	states   chan ConnectionState
	closed   bool
	discWait chan struct{}
}

func (p *tinygoPeripheral) ID() uuid.UUID { return p.id }

func (p *tinygoPeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *tinygoPeripheral) setName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *tinygoPeripheral) Connect(ctx context.Context) <-chan ConnectionState {
	ch := make(chan ConnectionState, 8)

	p.mu.Lock()
	p.states = ch
	p.closed = false
	p.mu.Unlock()

	send := func(st ConnectionState) {
		select {
		case ch <- st:
		case <-ctx.Done():
		}
	}

	go func() {
		defer func() {
			p.mu.Lock()
			if p.states == ch {
				p.closed = true
				p.states = nil
			}
			p.mu.Unlock()
			close(ch)
		}()

		send(ConnectionState{Phase: PhaseConnecting})

		// The vendor Connect blocks with its own internal timeout and cannot
		// be aborted from here. Wrap it so ctx cancellation returns promptly;
		// a late success is torn down by the next Disconnect.
		type connectResult struct {
			device bluetooth.Device
			err    error
		}
		res := make(chan connectResult, 1)
		go func() {
			device, err := p.stack.adapter.Connect(p.addr, bluetooth.ConnectionParams{})
			res <- connectResult{device, err}
		}()

		select {
		case <-ctx.Done():
			return
		case r := <-res:
			if r.err != nil {
				send(ConnectionState{Phase: PhaseFailed, Err: r.err})
				return
			}
			p.mu.Lock()
			p.device = &r.device
			p.mu.Unlock()
			send(ConnectionState{Phase: PhaseConnected})
		}

		// Stay registered so link events from the adapter callback keep
		// flowing into the sequence until the attempt is cancelled.
		<-ctx.Done()
	}()

	return ch
}

// handleLinkEvent forwards adapter-level callbacks into the active attempt's
// state sequence. Connected transitions are already reported by the Connect
// call itself; only drops are forwarded.
func (p *tinygoPeripheral) handleLinkEvent(connected bool) {
	if connected {
		return
	}

	p.mu.Lock()
	p.device = nil
	if p.discWait != nil {
		close(p.discWait)
		p.discWait = nil
	}
	ch := p.states
	closed := p.closed
	p.mu.Unlock()

	if ch == nil || closed {
		return
	}
	select {
	case ch <- ConnectionState{Phase: PhaseDisconnected}:
	default:
		// Slow consumer; never block the adapter callback.
	}
}

func (p *tinygoPeripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	device := p.device
	if device == nil {
		p.mu.Unlock()
		return nil
	}
	if p.discWait == nil {
		p.discWait = make(chan struct{})
	}
	confirmed := p.discWait
	p.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", p.id, err)
	}

	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ble: disconnect %s: %w", p.id, ctx.Err())
	}
}

func (p *tinygoPeripheral) DiscoverService(ctx context.Context, serviceUUID string) (Service, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return nil, ErrLinkLost
	}

	type discoverResult struct {
		svcs []bluetooth.DeviceService
		err  error
	}
	res := make(chan discoverResult, 1)
	go func() {
		svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
		res <- discoverResult{svcs, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", r.err)
		}
		if len(r.svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s: %w", serviceUUID, ErrNotFound)
		}
		return &tinygoService{svc: r.svcs[0]}, nil
	}
}

type tinygoService struct {
	svc bluetooth.DeviceService
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

func (s *tinygoService) DiscoverCharacteristic(ctx context.Context, charUUID string) (Characteristic, error) {
	cu, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	type discoverResult struct {
		chars []bluetooth.DeviceCharacteristic
		err   error
	}
	res := make(chan discoverResult, 1)
	go func() {
		chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{cu})
		res <- discoverResult{chars, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", r.err)
		}
		if len(r.chars) == 0 {
			return nil, fmt.Errorf("ble: characteristic %s: %w", charUUID, ErrNotFound)
		}
		return &tinygoCharacteristic{char: r.chars[0]}, nil
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinygoCharacteristic) Read(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	res := make(chan readResult, 1)
	go func() {
		mtu, err := c.char.GetMTU()
		if err != nil {
			res <- readResult{nil, fmt.Errorf("ble: characteristic mtu: %w", err)}
			return
		}
		buf := make([]byte, mtu)
		n, err := c.char.Read(buf)
		if err != nil && err != io.EOF {
			res <- readResult{buf[:n], fmt.Errorf("ble: read characteristic: %w", err)}
			return
		}
		res <- readResult{buf[:n], nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		return r.data, r.err
	}
}

func (c *tinygoCharacteristic) Write(ctx context.Context, data []byte) error {
	res := make(chan error, 1)
	go func() {
		_, err := c.char.WriteWithoutResponse(data)
		res <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-res:
		if err != nil {
			return fmt.Errorf("ble: write characteristic: %w", err)
		}
		return nil
	}
}

func (c *tinygoCharacteristic) Subscribe(callback func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		callback(buf)
	})
}
