// Package simulator provides an in-process SmartMedBox that implements
// ble.Adapter. It decodes every command the way the firmware does and
// answers with the matching event frames.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/medbox-link/internal/ble"
	"github.com/chaz8081/medbox-link/internal/ble/protocol"
)

// Device error codes sent with OpDeviceError and OpTransferError.
const (
	ErrCodeUnknownCommand = 0x03
	ErrCodeLength         = 0x05

	TransferNotStarted = 0x01
	TransferOverflow   = 0x02
	TransferIncomplete = 0x03
)

// ProtocolVersion is the version reported by default.
const ProtocolVersion = 1

// notifyQueue bounds undelivered notifications per link.
const notifyQueue = 256

// Reminder is an alarm the box holds.
type Reminder struct {
	SlotMask byte
	Hour     int
	Minute   int
}

// Option configures a Box.
type Option func(*Box)

// WithName sets the advertised name.
func WithName(name string) Option {
	return func(b *Box) { b.name = name }
}

// WithAddress sets the advertised address.
func WithAddress(address string) Option {
	return func(b *Box) { b.address = address }
}

// WithConfirmDelay sets how long the simulated user takes to fill a slot.
func WithConfirmDelay(d time.Duration) Option {
	return func(b *Box) { b.confirmDelay = d }
}

// WithClock sets the clock behind the confirm delay and the device clock.
func WithClock(c clockwork.Clock) Option {
	return func(b *Box) { b.clock = c }
}

// WithTransferError makes the box reject the firmware chunk at index n
// (0-based) with code.
func WithTransferError(n int, code byte) Option {
	return func(b *Box) {
		b.rejectChunk = n
		b.rejectCode = code
	}
}

// Box is a simulated pill box. Safe for concurrent use.
type Box struct {
	name         string
	address      string
	confirmDelay time.Duration
	clock        clockwork.Clock
	rejectChunk  int
	rejectCode   byte

	mu        sync.Mutex
	powered   bool
	link      *link
	reminders []Reminder
	alarm     *Reminder
	realtime  bool
	filled    byte
	offset    time.Duration // device clock minus host clock
	timeSet   bool

	otaTotal  int
	otaData   []byte
	otaChunks int
	firmware  []byte
}

// New creates a powered-on Box.
func New(opts ...Option) *Box {
	b := &Box{
		name:         "SmartMedBox",
		address:      "24:6F:28:00:00:01",
		confirmDelay: 2 * time.Second,
		clock:        clockwork.NewRealClock(),
		rejectChunk:  -1,
		powered:      true,
		filled:       0b00001111,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Compile-time check that Box implements ble.Adapter.
var _ ble.Adapter = (*Box)(nil)

// SetPowered turns the host radio on or off.
func (b *Box) SetPowered(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.powered = on
}

func (b *Box) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.powered {
		return errors.New("simulator: bluetooth adapter is powered off")
	}
	return nil
}

func (b *Box) Scan(ctx context.Context, serviceUUID string, found func(ble.Device)) error {
	if serviceUUID == ble.ServiceUUID {
		found(ble.Device{Name: b.name, Address: b.address, RSSI: -48})
	}
	<-ctx.Done()
	return nil
}

func (b *Box) Connect(_ context.Context, address string) (ble.Connection, error) {
	if address != b.address {
		return nil, fmt.Errorf("simulator: no device at %s", address)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link != nil {
		return nil, errors.New("simulator: already connected")
	}
	l := newLink(b)
	b.link = l
	slog.Debug("[SIM] central connected", "address", address)
	return l, nil
}

// TakeDose reports slot as taken, as if the user opened its lid.
func (b *Box) TakeDose(slot int) error {
	if slot < 1 || slot > protocol.NumSlots {
		return fmt.Errorf("simulator: invalid slot %d", slot)
	}
	return b.notify(protocol.NewEvent(protocol.OpMedicationTaken, byte(slot)))
}

// DropLink breaks the connection as if the box went out of range.
func (b *Box) DropLink() {
	b.mu.Lock()
	l := b.link
	b.link = nil
	b.mu.Unlock()
	if l != nil {
		l.close()
		l.fireDisconnect()
	}
}

// Reminders returns the alarms the box currently holds.
func (b *Box) Reminders() []Reminder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Reminder(nil), b.reminders...)
}

// Now returns the device clock, and whether it was ever synced.
func (b *Box) Now() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Now().Add(b.offset), b.timeSet
}

// Alarm returns the standalone alarm, if one is enabled.
func (b *Box) Alarm() (Reminder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alarm == nil {
		return Reminder{}, false
	}
	return *b.alarm, true
}

// Realtime reports whether realtime environment reports are enabled.
func (b *Box) Realtime() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realtime
}

// Firmware returns the last image that was completely transferred.
func (b *Box) Firmware() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.firmware...)
}

// Connected reports whether a central holds the link.
func (b *Box) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link != nil
}

func (b *Box) notify(f protocol.EventFrame) error {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l == nil {
		return errors.New("simulator: not connected")
	}
	l.push(f.Bytes())
	return nil
}

// handle executes one command frame written by the central.
func (b *Box) handle(l *link, data []byte) {
	cmd, ok := protocol.DecodeCommand(data)
	if !ok {
		code := byte(ErrCodeUnknownCommand)
		if len(data) > 0 && protocol.Opcode(data[0]).IsCommand() {
			code = ErrCodeLength
		}
		slog.Debug("[SIM] rejected frame", "raw", fmt.Sprintf("%x", data))
		l.push(protocol.NewEvent(protocol.OpDeviceError, code).Bytes())
		return
	}
	slog.Debug("[SIM] command", "frame", cmd)

	b.mu.Lock()
	defer b.mu.Unlock()
	p := cmd.Payload()
	switch cmd.Opcode() {
	case protocol.OpRequestProtocolVersion:
		l.push(protocol.NewEvent(protocol.OpProtocolVersion, ProtocolVersion).Bytes())
	case protocol.OpSetReminder:
		b.reminders = append(b.reminders, Reminder{SlotMask: p[0], Hour: int(p[1]), Minute: int(p[2])})
	case protocol.OpSyncTime:
		t := time.Date(2000+int(p[0]), time.Month(p[1]), int(p[2]), int(p[3]), int(p[4]), int(p[5]), 0, time.Local)
		b.offset = t.Sub(b.clock.Now())
		b.timeSet = true
		l.push(protocol.NewEvent(protocol.OpTimeSyncAck).Bytes())
	case protocol.OpCancelAllReminders:
		b.reminders = nil
	case protocol.OpRequestStatus:
		l.push(protocol.NewEvent(protocol.OpStatusReport, b.filled).Bytes())
	case protocol.OpRequestEnvironment:
		l.push(protocol.EnvironmentEvent(22.5, 45).Bytes())
	case protocol.OpRequestHistoric:
		now := b.clock.Now().Add(b.offset).Truncate(time.Hour)
		var records []protocol.HistoricRecord
		for i := 3; i > 0; i-- {
			records = append(records, protocol.HistoricRecord{
				Time:        now.Add(-time.Duration(i) * time.Hour).UTC(),
				Temperature: 21 + float64(i)/2,
				Humidity:    40 + float64(i),
			})
		}
		l.push(protocol.HistoricEvent(records).Bytes())
		l.push(protocol.NewEvent(protocol.OpHistoricComplete).Bytes())
	case protocol.OpEnableRealtime:
		b.realtime = true
		l.push(protocol.EnvironmentEvent(22.5, 45).Bytes())
	case protocol.OpDisableRealtime:
		b.realtime = false
	case protocol.OpSetAlarm:
		if p[2] == 0 {
			b.alarm = nil
		} else {
			b.alarm = &Reminder{Hour: int(p[0]), Minute: int(p[1])}
		}
	case protocol.OpGuideSlot:
		if p[0] < 1 || int(p[0]) > protocol.NumSlots {
			l.push(protocol.NewEvent(protocol.OpDeviceError, ErrCodeLength).Bytes())
			return
		}
		mask := byte(1) << (p[0] - 1)
		b.clock.AfterFunc(b.confirmDelay, func() {
			b.mu.Lock()
			b.filled |= mask
			b.mu.Unlock()
			l.push(protocol.NewEvent(protocol.OpBoxStatus, mask).Bytes())
		})
	case protocol.OpOTABegin:
		size, _ := cmd.BeginSize()
		b.otaTotal = size
		b.otaData = make([]byte, 0, size)
		b.otaChunks = 0
	case protocol.OpOTAChunk:
		b.handleChunk(l, p)
	case protocol.OpOTAEnd:
		if b.otaTotal == 0 || len(b.otaData) != b.otaTotal {
			l.push(protocol.NewEvent(protocol.OpTransferError, TransferIncomplete).Bytes())
		} else {
			b.firmware = b.otaData
			slog.Info("[SIM] firmware installed", "bytes", len(b.firmware))
		}
		b.otaTotal = 0
		b.otaData = nil
	}
}

// handleChunk stores one firmware chunk. Caller holds mu.
func (b *Box) handleChunk(l *link, data []byte) {
	var code byte
	switch {
	case b.otaTotal == 0:
		code = TransferNotStarted
	case len(b.otaData)+len(data) > b.otaTotal:
		code = TransferOverflow
	case b.otaChunks == b.rejectChunk:
		code = b.rejectCode
	}
	if code != 0 {
		b.otaTotal = 0
		b.otaData = nil
		l.push(protocol.NewEvent(protocol.OpTransferError, code).Bytes())
		return
	}
	b.otaData = append(b.otaData, data...)
	b.otaChunks++
	l.push(protocol.NewEvent(protocol.OpChunkAck).Bytes())
}

func (b *Box) release(l *link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == l {
		b.link = nil
	}
}
