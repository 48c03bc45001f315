package simulator

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/medbox-link/internal/ble"
	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
	"github.com/chaz8081/medbox-link/internal/fill"
	"github.com/chaz8081/medbox-link/internal/ota"
	"github.com/chaz8081/medbox-link/internal/store"
)

const (
	timeout = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func has[T event.Event](r *recorder) bool {
	for _, ev := range r.all() {
		if _, ok := ev.(T); ok {
			return true
		}
	}
	return false
}

func first[T event.Event](r *recorder) T {
	var zero T
	for _, ev := range r.all() {
		if v, ok := ev.(T); ok {
			return v
		}
	}
	return zero
}

type rig struct {
	box     *Box
	bus     *event.Bus
	session *ble.Session
	rec     *recorder
}

func newRig(t *testing.T, box *Box) *rig {
	t.Helper()
	opts := ble.DefaultSessionOptions()
	opts.Reconnect.MaxBackoff = 20 * time.Millisecond
	r := &rig{box: box, bus: event.NewBus(), rec: &recorder{}}
	r.session = ble.NewSession(box, r.bus, opts)
	t.Cleanup(func() {
		r.session.Close()
		r.bus.Close()
	})
	return r
}

func (r *rig) connect(t *testing.T) {
	t.Helper()
	r.bus.Subscribe(r.rec.handle)
	require.NoError(t, r.session.StartScan())
	require.Eventually(t, r.session.Ready, timeout, tick)
}

func TestSessionTalksToBox(t *testing.T) {
	r := newRig(t, New())
	r.connect(t)

	dev, ok := r.session.Device()
	require.True(t, ok)
	assert.Equal(t, "SmartMedBox", dev.Name)
	assert.True(t, r.box.Connected())

	require.NoError(t, r.session.Send(protocol.RequestProtocolVersion()))
	require.NoError(t, r.session.Send(protocol.RequestStatus()))
	syncCmd, err := protocol.SyncTime(time.Now())
	require.NoError(t, err)
	require.NoError(t, r.session.Send(syncCmd))
	require.NoError(t, r.box.TakeDose(3))

	require.Eventually(t, func() bool {
		return has[event.TimeSyncAck](r.rec) && has[event.MedicationTaken](r.rec)
	}, timeout, tick)

	assert.Equal(t, event.ProtocolVersion{Version: ProtocolVersion}, first[event.ProtocolVersion](r.rec))
	assert.Equal(t, event.BoxStatus{Mask: 0b00001111}, first[event.BoxStatus](r.rec))
	assert.Equal(t, event.MedicationTaken{Slot: 3}, first[event.MedicationTaken](r.rec))

	now, synced := r.box.Now()
	assert.True(t, synced)
	assert.WithinDuration(t, time.Now(), now, 2*time.Second)
}

func TestEnvironmentAndHistoric(t *testing.T) {
	r := newRig(t, New())
	r.connect(t)

	require.NoError(t, r.session.Send(protocol.SetRealtime(true)))
	require.NoError(t, r.session.Send(protocol.RequestHistoric()))
	require.Eventually(t, func() bool { return has[event.HistoricComplete](r.rec) }, timeout, tick)

	assert.True(t, r.box.Realtime())
	env := first[event.Environment](r.rec)
	assert.InDelta(t, 22.5, env.Temperature, 0.01)
	assert.InDelta(t, 45.0, env.Humidity, 0.01)

	n := 0
	for _, ev := range r.rec.all() {
		if _, ok := ev.(event.HistoricEnvironment); ok {
			n++
		}
	}
	assert.Equal(t, 3, n)
}

func TestSetAlarm(t *testing.T) {
	r := newRig(t, New())
	r.connect(t)

	cmd, err := protocol.SetAlarm(7, 45, true)
	require.NoError(t, err)
	require.NoError(t, r.session.Send(cmd))
	require.Eventually(t, func() bool { _, ok := r.box.Alarm(); return ok }, timeout, tick)
	alarm, _ := r.box.Alarm()
	assert.Equal(t, Reminder{Hour: 7, Minute: 45}, alarm)

	cmd, err = protocol.SetAlarm(7, 45, false)
	require.NoError(t, err)
	require.NoError(t, r.session.Send(cmd))
	require.Eventually(t, func() bool { _, ok := r.box.Alarm(); return !ok }, timeout, tick)
}

func TestGuidedFillAgainstBox(t *testing.T) {
	box := New(WithConfirmDelay(10 * time.Millisecond))
	r := newRig(t, box)

	st, err := store.Open(filepath.Join(t.TempDir(), "medbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SetReminder(store.Reminder{Slot: 2, Hour: 8, Minute: 0}))
	require.NoError(t, st.SetReminder(store.Reminder{Slot: 4, Hour: 21, Minute: 15}))

	coord := fill.NewCoordinator(r.session, st, r.bus)
	r.bus.Subscribe(coord.HandleEvent)
	r.connect(t)

	require.NoError(t, coord.Enqueue([]fill.Step{{Slot: 2}, {Slot: 4}}))
	require.Eventually(t, func() bool { return has[event.FillComplete](r.rec) }, timeout, tick)
	assert.Equal(t, event.FillComplete{Filled: 2}, first[event.FillComplete](r.rec))
	assert.False(t, coord.Active())

	fills, err := st.Fills()
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	want := []Reminder{
		{SlotMask: 0b00000010, Hour: 8, Minute: 0},
		{SlotMask: 0b00001000, Hour: 21, Minute: 15},
	}
	require.Eventually(t, func() bool { return len(box.Reminders()) == len(want) }, timeout, tick)
	assert.Equal(t, want, box.Reminders())
}

func TestFirmwareTransferAgainstBox(t *testing.T) {
	box := New()
	r := newRig(t, box)
	coord := ota.New(r.session, r.bus, ota.WithChunkSize(100))
	r.bus.Subscribe(coord.HandleEvent)
	r.connect(t)

	image := make([]byte, 1050)
	for i := range image {
		image[i] = byte(i)
	}
	require.NoError(t, coord.Start(image))
	require.Eventually(t, func() bool { return has[event.TransferComplete](r.rec) }, timeout, tick)
	assert.False(t, has[event.TransferFailed](r.rec))

	require.Eventually(t, func() bool { return len(box.Firmware()) == len(image) }, timeout, tick)
	assert.Equal(t, image, box.Firmware())
}

func TestFirmwareTransferRejectedByBox(t *testing.T) {
	box := New(WithTransferError(2, TransferOverflow))
	r := newRig(t, box)
	coord := ota.New(r.session, r.bus, ota.WithChunkSize(100))
	r.bus.Subscribe(coord.HandleEvent)
	r.connect(t)

	require.NoError(t, coord.Start(make([]byte, 1000)))
	require.Eventually(t, func() bool { return has[event.TransferFailed](r.rec) }, timeout, tick)

	failed := first[event.TransferFailed](r.rec)
	var terr *ota.TransferError
	require.ErrorAs(t, failed.Err, &terr)
	assert.Equal(t, TransferOverflow, terr.Code)
	assert.Equal(t, 200, terr.Offset)
	assert.Empty(t, box.Firmware())
	assert.False(t, coord.Active())
}

func TestDropLinkReconnects(t *testing.T) {
	r := newRig(t, New())
	r.connect(t)

	r.box.DropLink()
	require.Eventually(t, func() bool { return has[event.ReconnectStarted](r.rec) }, timeout, tick)
	require.Eventually(t, r.session.Ready, timeout, tick)
	assert.True(t, r.box.Connected())
	assert.Equal(t, event.Disconnected{Address: "24:6F:28:00:00:01", Unexpected: true},
		first[event.Disconnected](r.rec))

	require.NoError(t, r.session.Send(protocol.RequestStatus()))
	require.Eventually(t, func() bool { return has[event.BoxStatus](r.rec) }, timeout, tick)
}

func TestBoxAtCustomAddress(t *testing.T) {
	const addr = "24:6F:28:00:00:7A"
	box := New(WithName("Kitchen MedBox"), WithAddress(addr))
	r := newRig(t, box)
	r.connect(t)

	dev, ok := r.session.Device()
	require.True(t, ok)
	assert.Equal(t, "Kitchen MedBox", dev.Name)
	assert.Equal(t, addr, dev.Address)
	require.Eventually(t, func() bool { return has[event.Connected](r.rec) }, timeout, tick)
	assert.Equal(t, event.Connected{Name: "Kitchen MedBox", Address: addr}, first[event.Connected](r.rec))

	_, err := box.Connect(t.Context(), "24:6F:28:00:00:01")
	assert.Error(t, err, "box must only answer at its own address")
}

func TestRadioOff(t *testing.T) {
	box := New()
	box.SetPowered(false)
	r := newRig(t, box)
	r.bus.Subscribe(r.rec.handle)

	assert.Error(t, r.session.StartScan())
	assert.Equal(t, ble.StateDisconnected, r.session.State())
}

// rawLink connects without a session so malformed frames can be written.
func rawLink(t *testing.T, box *Box) (ble.Characteristic, <-chan []byte) {
	t.Helper()
	conn, err := box.Connect(t.Context(), box.address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Disconnect() })

	cmdChar, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.CommandCharUUID)
	require.NoError(t, err)
	evtChar, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.EventCharUUID)
	require.NoError(t, err)

	frames := make(chan []byte, 16)
	require.NoError(t, evtChar.Subscribe(func(b []byte) { frames <- b }))
	return cmdChar, frames
}

func receive(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(timeout):
		t.Fatal("no notification")
		return nil
	}
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  []byte
	}{
		{"unknown opcode", []byte{0x7F}, []byte{byte(protocol.OpDeviceError), ErrCodeUnknownCommand}},
		{"short set reminder", []byte{byte(protocol.OpSetReminder), 0x01}, []byte{byte(protocol.OpDeviceError), ErrCodeLength}},
		{"guide slot zero", []byte{byte(protocol.OpGuideSlot), 0}, []byte{byte(protocol.OpDeviceError), ErrCodeLength}},
		{"chunk before begin", []byte{byte(protocol.OpOTAChunk), 0xAA}, []byte{byte(protocol.OpTransferError), TransferNotStarted}},
		{"end before begin", []byte{byte(protocol.OpOTAEnd)}, []byte{byte(protocol.OpTransferError), TransferIncomplete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdChar, frames := rawLink(t, New())
			require.NoError(t, cmdChar.Write(tt.frame))
			assert.Equal(t, tt.want, receive(t, frames))
		})
	}
}

func TestSingleCentral(t *testing.T) {
	box := New()
	conn, err := box.Connect(t.Context(), box.address)
	require.NoError(t, err)

	_, err = box.Connect(t.Context(), box.address)
	assert.Error(t, err)

	require.NoError(t, conn.Disconnect())
	assert.False(t, box.Connected())
	conn, err = box.Connect(t.Context(), box.address)
	require.NoError(t, err)
	conn.Disconnect()
}

func TestCharacteristicDirections(t *testing.T) {
	box := New()
	conn, err := box.Connect(t.Context(), box.address)
	require.NoError(t, err)
	defer conn.Disconnect()

	cmdChar, _ := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.CommandCharUUID)
	evtChar, _ := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.EventCharUUID)
	assert.Error(t, cmdChar.Subscribe(func([]byte) {}))
	assert.Error(t, evtChar.Write([]byte{0x01}))

	_, err = conn.DiscoverCharacteristic("0000180f-0000-1000-8000-00805f9b34fb", ble.EventCharUUID)
	assert.Error(t, err)
}
