package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
)

var (
	// ErrNotReady is returned by Send when no ready link exists.
	ErrNotReady = errors.New("ble: not connected")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("ble: session closed")
	// ErrBusy is returned by StartScan while a link is being set up or used.
	ErrBusy = errors.New("ble: session busy")
)

// SessionOptions configures the Session behavior.
type SessionOptions struct {
	ScanTimeout      time.Duration // stop scanning when nothing is found
	ConnectTimeout   time.Duration // bound on a single connect attempt
	DiscoveryTimeout time.Duration // bound on resolving the characteristics
	Reconnect        ReconnectPolicy
	Clock            clockwork.Clock // drives every timeout; fake in tests
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ScanTimeout:      10 * time.Second,
		ConnectTimeout:   15 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		Reconnect: ReconnectPolicy{
			Auto:        true,
			MaxAttempts: 5,
			MaxBackoff:  30 * time.Second,
		},
		Clock: clockwork.NewRealClock(),
	}
}

// inboxSize bounds the number of pending loop tasks.
const inboxSize = 64

// Session owns the link to a single pill box. All state lives on one loop
// goroutine; adapter callbacks and timers post work to it, and public
// methods run on it synchronously. Safe for concurrent use.
type Session struct {
	adapter Adapter
	events  event.Publisher
	opts    SessionOptions

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state  atomic.Int32
	handle atomic.Pointer[Device]

	// Owned by the loop goroutine.
	cur      State
	gen      uint64 // bumped whenever in-flight work must be ignored
	device   *Device
	conn     Connection
	cmdChar  Characteristic
	linked   bool // Connected was published and Disconnected is still owed
	attempts int
	retrying bool // a lost link is being re-established; cleared at Ready
	timer    clockwork.Timer
	cancelOp context.CancelFunc
}

// NewSession creates a Session and starts its loop. Zero option fields fall
// back to DefaultSessionOptions; a zero Reconnect policy disables reconnects.
func NewSession(adapter Adapter, events event.Publisher, opts SessionOptions) *Session {
	if adapter == nil {
		panic("ble: nil adapter")
	}
	if events == nil {
		panic("ble: nil event publisher")
	}
	def := DefaultSessionOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opts.Reconnect.MaxBackoff <= 0 {
		opts.Reconnect.MaxBackoff = def.Reconnect.MaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}

	s := &Session{
		adapter: adapter,
		events:  events,
		opts:    opts,
		inbox:   make(chan func(), inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Ready reports whether commands can be sent.
func (s *Session) Ready() bool { return s.State() == StateReady }

// Device returns the handle of the selected peripheral, if any.
func (s *Session) Device() (Device, bool) {
	d := s.handle.Load()
	if d == nil {
		return Device{}, false
	}
	return *d, true
}

// StartScan begins looking for a pill box. It is a no-op while already
// scanning. The outcome is reported through events.
func (s *Session) StartScan() error {
	var err error
	if cerr := s.call(func() { err = s.startScan() }); cerr != nil {
		return cerr
	}
	return err
}

// Disconnect tears down any link or attempt and returns to Disconnected.
// It is legal in every state and idempotent.
func (s *Session) Disconnect() error {
	return s.call(func() {
		if s.cur == StateDisconnected {
			return
		}
		slog.Info("[BLE] disconnecting", "state", s.cur)
		s.teardown(false)
		s.status("Disconnected")
	})
}

// Send writes one command frame. Outside Ready it publishes a status
// notice and returns ErrNotReady; nothing is queued.
func (s *Session) Send(cmd protocol.Command) error {
	var err error
	if cerr := s.call(func() { err = s.send(cmd) }); cerr != nil {
		return cerr
	}
	return err
}

// Close disconnects and stops the loop. Later calls return ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.call(func() {
			if s.cur != StateDisconnected {
				s.teardown(false)
			}
		})
		close(s.quit)
	})
	<-s.done
	return nil
}

func (s *Session) startScan() error {
	switch s.cur {
	case StateScanning:
		return nil
	case StateDisconnected:
	default:
		s.status("Already %s", s.cur)
		return fmt.Errorf("%w: %s", ErrBusy, s.cur)
	}

	if err := s.adapter.Enable(); err != nil {
		slog.Error("[BLE] adapter unavailable", "error", err)
		s.status("Bluetooth is not available")
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelOp = cancel
	s.setState(StateScanning)
	s.status("Scanning for pill box...")
	s.armTimer(s.opts.ScanTimeout, func() { s.onScanTimeout(gen) })

	go func() {
		err := s.adapter.Scan(ctx, ServiceUUID, func(d Device) {
			s.post(func() { s.onDeviceFound(gen, d) })
		})
		if err != nil && ctx.Err() == nil {
			s.post(func() { s.onScanFailed(gen, err) })
		}
	}()
	return nil
}

func (s *Session) onScanTimeout(gen uint64) {
	if gen != s.gen || s.cur != StateScanning {
		return
	}
	s.timer = nil
	slog.Info("[BLE] scan timed out", "after", s.opts.ScanTimeout)
	s.teardown(false)
	s.status("Pill box not found")
}

func (s *Session) onScanFailed(gen uint64, err error) {
	if gen != s.gen || s.cur != StateScanning {
		return
	}
	slog.Error("[BLE] scan failed", "error", err)
	s.teardown(false)
	s.status("Scan failed: %v", err)
}

func (s *Session) onDeviceFound(gen uint64, d Device) {
	if gen != s.gen || s.cur != StateScanning {
		return
	}
	s.stopTimer()
	s.cancel()

	s.device = &d
	s.handle.Store(&d)
	slog.Info("[BLE] found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
	s.setState(StateConnecting)
	s.status("Connecting to %s...", d.Name)
	s.connect(gen, d.Address)
}

// connect starts one connect attempt for the current generation.
func (s *Session) connect(gen uint64, address string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelOp = cancel
	s.armTimer(s.opts.ConnectTimeout, func() { s.onAttemptTimeout(gen, "connect") })

	go func() {
		conn, err := s.adapter.Connect(ctx, address)
		if !s.post(func() { s.onLinkUp(gen, conn, err) }) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (s *Session) onLinkUp(gen uint64, conn Connection, err error) {
	if gen != s.gen || (s.cur != StateConnecting && s.cur != StateReconnecting) {
		if conn != nil {
			slog.Debug("[BLE] closing stale connection")
			_ = conn.Disconnect()
		}
		return
	}
	s.stopTimer()
	s.cancel()

	if err != nil {
		if s.retrying {
			slog.Warn("[BLE] reconnect attempt failed", "error", err, "attempt", s.attempts)
			s.retryReconnect()
			return
		}
		slog.Error("[BLE] connect failed", "error", err)
		s.teardown(false)
		s.status("Connection failed: %v", err)
		return
	}

	s.conn = conn
	conn.OnDisconnect(func() {
		s.post(func() { s.onLinkLost(gen) })
	})
	s.setState(StateDiscovering)
	s.armTimer(s.opts.DiscoveryTimeout, func() { s.onAttemptTimeout(gen, "service discovery") })
	go s.discover(gen, conn)
}

// discover resolves both characteristics and enables notifications. Runs
// off the loop since adapters block.
func (s *Session) discover(gen uint64, conn Connection) {
	fail := func(err error) {
		s.post(func() { s.onDiscovered(gen, nil, err) })
	}
	cmdChar, err := conn.DiscoverCharacteristic(ServiceUUID, CommandCharUUID)
	if err != nil {
		fail(fmt.Errorf("ble: discover command characteristic: %w", err))
		return
	}
	evtChar, err := conn.DiscoverCharacteristic(ServiceUUID, EventCharUUID)
	if err != nil {
		fail(fmt.Errorf("ble: discover event characteristic: %w", err))
		return
	}
	err = evtChar.Subscribe(func(data []byte) {
		frame := append([]byte(nil), data...)
		s.post(func() { s.onNotification(gen, frame) })
	})
	if err != nil {
		fail(fmt.Errorf("ble: enable notifications: %w", err))
		return
	}
	s.post(func() { s.onDiscovered(gen, cmdChar, nil) })
}

func (s *Session) onDiscovered(gen uint64, cmdChar Characteristic, err error) {
	if gen != s.gen || s.cur != StateDiscovering {
		return
	}
	s.stopTimer()

	if err != nil {
		if s.retrying {
			slog.Warn("[BLE] reconnect attempt failed", "error", err, "attempt", s.attempts)
			s.retryReconnect()
			return
		}
		slog.Error("[BLE] pill box service unusable", "error", err)
		s.teardown(false)
		s.status("Pill box service not found")
		return
	}

	d := *s.device
	s.cmdChar = cmdChar
	s.attempts = 0
	s.retrying = false
	s.linked = true
	s.setState(StateReady)
	slog.Info("[BLE] connected", "name", d.Name, "address", d.Address)
	s.status("Connected to %s", d.Name)
	s.events.Publish(event.Connected{Name: d.Name, Address: d.Address})
}

// onAttemptTimeout fires when connect or discovery takes too long.
func (s *Session) onAttemptTimeout(gen uint64, what string) {
	if gen != s.gen {
		return
	}
	switch s.cur {
	case StateConnecting, StateDiscovering, StateReconnecting:
	default:
		return
	}
	s.timer = nil
	s.cancel()

	if s.retrying {
		slog.Warn("[BLE] reconnect attempt timed out", "operation", what, "attempt", s.attempts)
		s.retryReconnect()
		return
	}
	slog.Error("[BLE] timed out", "operation", what)
	s.teardown(false)
	s.status("Timed out during %s", what)
}

func (s *Session) onLinkLost(gen uint64) {
	if gen != s.gen {
		return
	}
	switch s.cur {
	case StateReady, StateDiscovering:
	default:
		return
	}
	wasReady := s.cur == StateReady
	addr := s.address()
	slog.Warn("[BLE] link lost", "address", addr, "state", s.cur)

	if s.retrying {
		s.retryReconnect()
		return
	}

	s.stopTimer()
	s.cancel()
	s.conn = nil
	s.cmdChar = nil

	policy := s.opts.Reconnect
	if !wasReady || !policy.Auto || policy.MaxAttempts <= 0 {
		s.teardown(true)
		s.status("Connection lost")
		return
	}

	s.linked = false
	s.events.Publish(event.Disconnected{Address: addr, Unexpected: true})
	s.attempts = 0
	s.retrying = true
	s.setState(StateReconnecting)
	s.events.Publish(event.ReconnectStarted{Address: addr})
	s.status("Connection lost, reconnecting...")
	s.scheduleReconnect()
}

func (s *Session) onNotification(gen uint64, raw []byte) {
	if gen != s.gen || s.cur != StateReady {
		return
	}
	frame, ok := protocol.DecodeEvent(raw)
	if !ok {
		slog.Debug("[BLE] dropped frame", "raw", fmt.Sprintf("%x", raw))
		return
	}
	slog.Debug("[BLE] RX", "frame", frame)
	for _, ev := range translate(frame) {
		s.events.Publish(ev)
	}
}

func (s *Session) send(cmd protocol.Command) error {
	if s.cur != StateReady || s.cmdChar == nil {
		s.status("Not connected, cannot send %s", cmd.Opcode())
		return ErrNotReady
	}
	slog.Debug("[BLE] TX", "frame", cmd)
	if err := s.cmdChar.Write(cmd.Bytes()); err != nil {
		slog.Error("[BLE] write failed", "opcode", cmd.Opcode(), "error", err)
		s.status("Failed to send %s", cmd.Opcode())
		return fmt.Errorf("ble: write %s: %w", cmd.Opcode(), err)
	}
	return nil
}

// teardown closes whatever link exists, settles owed events and returns to
// Disconnected. Every in-flight callback becomes stale.
func (s *Session) teardown(unexpected bool) {
	s.stopTimer()
	s.cancel()
	if s.conn != nil {
		s.setState(StateDisconnecting)
		if err := s.conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
		s.conn = nil
	}
	s.cmdChar = nil
	if s.linked {
		s.linked = false
		s.events.Publish(event.Disconnected{Address: s.address(), Unexpected: unexpected})
	}
	s.device = nil
	s.handle.Store(nil)
	s.attempts = 0
	s.retrying = false
	s.gen++
	s.setState(StateDisconnected)
}

func (s *Session) setState(to State) {
	from := s.cur
	if from == to {
		return
	}
	s.cur = to
	s.state.Store(int32(to))
	slog.Debug("[BLE] state", "from", from, "to", to)
	s.events.Publish(event.StateChanged{From: from.String(), To: to.String()})
}

func (s *Session) status(format string, args ...any) {
	s.events.Publish(event.Status{Text: fmt.Sprintf(format, args...)})
}

func (s *Session) address() string {
	if s.device == nil {
		return ""
	}
	return s.device.Address
}

func (s *Session) armTimer(d time.Duration, fn func()) {
	s.stopTimer()
	s.timer = s.opts.Clock.AfterFunc(d, func() { s.post(fn) })
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) cancel() {
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
}
