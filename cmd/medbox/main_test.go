package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/medbox-link/internal/ble/simulator"
	"github.com/chaz8081/medbox-link/internal/config"
	"github.com/chaz8081/medbox-link/internal/event"
	"github.com/chaz8081/medbox-link/internal/fill"
	"github.com/chaz8081/medbox-link/internal/store"
)

// syncBuffer is a bytes.Buffer safe for the bus goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps([]string{"3", "5", "1"})
	require.NoError(t, err)
	assert.Equal(t, []fill.Step{{Slot: 3}, {Slot: 5}, {Slot: 1}}, steps)

	for _, bad := range [][]string{nil, {"0"}, {"9"}, {"two"}} {
		_, err := parseSteps(bad)
		assert.Error(t, err, "args %v", bad)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		ev   event.Event
		want string
	}{
		{event.Status{Text: "Scanning for pill box..."}, "» Scanning for pill box..."},
		{event.MedicationTaken{Slot: 4}, "dose taken from slot 4"},
		{event.BoxStatus{Mask: 0b00100101}, "filled slots: 1,3,6"},
		{event.BoxStatus{Mask: 0}, "filled slots: none"},
		{event.BoxStatus{Mask: 0b00000100, Fill: true}, ""},
		{event.Disconnected{Address: "AA", Unexpected: true}, "link to AA lost"},
		{event.Disconnected{Address: "AA"}, "disconnected from AA"},
		{event.ChunkAck{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describe(tt.ev), "%#v", tt.ev)
	}
}

func newTestController(t *testing.T, box *simulator.Box) (*controller, *store.Store, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "medbox.db")
	cfg.OTA.ChunkSize = 64

	// Seed the schedule before the controller opens the file.
	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, st.SetReminder(store.Reminder{Slot: 1, Hour: 9, Minute: 30}))
	require.NoError(t, st.Close())

	out := &syncBuffer{}
	ctl, err := newController(cfg, box, out)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })
	return ctl, ctl.store, out
}

func TestControllerSyncsOnConnect(t *testing.T) {
	box := simulator.New()
	ctl, _, out := newTestController(t, box)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.connect(ctx))
	require.NoError(t, ctl.waitSynced(ctx))

	_, synced := box.Now()
	assert.True(t, synced)
	require.Eventually(t, func() bool { return len(box.Reminders()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []simulator.Reminder{{SlotMask: 0b00000001, Hour: 9, Minute: 30}}, box.Reminders())

	require.NoError(t, box.TakeDose(2))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "dose taken from slot 2")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "connected to SmartMedBox")
	assert.Contains(t, out.String(), "device protocol version 1")
	assert.Contains(t, out.String(), "» Synced 1 reminders")
}

func TestControllerFillAndFirmware(t *testing.T) {
	box := simulator.New(simulator.WithConfirmDelay(10 * time.Millisecond))
	ctl, st, out := newTestController(t, box)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.connect(ctx))
	require.NoError(t, ctl.waitSynced(ctx))

	require.NoError(t, ctl.runFill(ctx, []fill.Step{{Slot: 6}, {Slot: 2}}))
	fills, err := st.Fills()
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	image := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 100)
	require.NoError(t, ctl.runOTA(ctx, image))
	require.Eventually(t, func() bool { return bytes.Equal(image, box.Firmware()) }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "firmware 100%")
}

func TestControllerConnectFailsWithRadioOff(t *testing.T) {
	box := simulator.New()
	box.SetPowered(false)
	ctl, _, _ := newTestController(t, box)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, ctl.connect(ctx))
}
