// Package ota streams a firmware image to the pill box over the command
// channel. Exactly one chunk is in flight; the next one is sent only after
// the device acknowledges the previous.
package ota

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
)

// Commander sends commands to the pill box. *ble.Session implements it.
type Commander interface {
	Send(cmd protocol.Command) error
	Ready() bool
}

// Coordinator drives firmware transfers. Safe for concurrent use.
type Coordinator struct {
	cmd    Commander
	events event.Publisher
	config Config

	mu       sync.Mutex
	image    []byte // nil when idle
	offset   int
	inFlight int // bytes of the unacknowledged chunk, 0 when none
	started  time.Time
	timer    clockwork.Timer
	seq      uint64 // identifies the armed ack deadline
}

// New creates an idle Coordinator.
func New(cmd Commander, events event.Publisher, opts ...Option) *Coordinator {
	if cmd == nil || events == nil {
		panic("ota: nil dependency")
	}
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Coordinator{cmd: cmd, events: events, config: config}
}

// Start announces the image size to the device and sends the first chunk.
func (c *Coordinator) Start(image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.image != nil {
		c.status("Firmware update already in progress")
		return ErrActive
	}
	if len(image) == 0 {
		c.status("Firmware image is empty")
		return ErrEmptyImage
	}
	if !c.cmd.Ready() {
		c.status("Not connected, cannot update firmware")
		return ErrNotReady
	}
	begin, err := protocol.OTABegin(len(image))
	if err != nil {
		return fmt.Errorf("ota: %w", err)
	}

	c.image = append([]byte(nil), image...)
	c.offset = 0
	c.inFlight = 0
	c.started = c.config.Clock.Now()

	if err := c.cmd.Send(begin); err != nil {
		c.reset()
		return fmt.Errorf("ota: begin: %w", err)
	}
	slog.Info("[OTA] transfer started", "total", len(image), "chunk_size", c.config.ChunkSize,
		"chunks", protocol.ChunkCount(len(image), c.config.ChunkSize))
	c.status("Firmware update started")

	if err := c.sendChunk(); err != nil {
		c.fail(&TransferError{Reason: "write failed", Err: err})
		return fmt.Errorf("ota: first chunk: %w", err)
	}
	return nil
}

// OnChunkAck advances the transfer after the device acknowledged a chunk.
// Acknowledgements without a chunk in flight are ignored.
func (c *Coordinator) OnChunkAck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.image == nil || c.inFlight == 0 {
		slog.Debug("[OTA] ignoring unexpected chunk ack")
		return
	}
	c.stopTimer()

	total := len(c.image)
	c.offset = min(c.offset+c.inFlight, total)
	c.inFlight = 0

	p := Progress{
		Offset:  c.offset,
		Total:   total,
		Percent: c.offset * 100 / total,
		Elapsed: c.config.Clock.Since(c.started),
	}
	c.events.Publish(event.TransferProgress{Offset: p.Offset, Total: p.Total, Percent: p.Percent})
	if c.config.ProgressCallback != nil {
		c.config.ProgressCallback(p)
	}

	if c.offset < total {
		if err := c.sendChunk(); err != nil {
			c.fail(&TransferError{Reason: "write failed", Err: err})
		}
		return
	}

	if err := c.cmd.Send(protocol.OTAEnd()); err != nil {
		c.fail(&TransferError{Reason: "end failed", Err: err})
		return
	}
	slog.Info("[OTA] transfer complete", "total", total, "elapsed", p.Elapsed)
	c.events.Publish(event.TransferComplete{Total: total})
	c.status("Firmware update complete")
	c.reset()
}

// OnTransferError aborts the transfer after the device rejected it.
func (c *Coordinator) OnTransferError(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil {
		return
	}
	c.fail(&TransferError{Code: code, Reason: "rejected by device"})
}

// Abort stops a running transfer.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil {
		return
	}
	c.fail(&TransferError{Reason: "aborted"})
}

// HandleEvent feeds bus events to the coordinator.
func (c *Coordinator) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.ChunkAck:
		c.OnChunkAck()
	case event.TransferRejected:
		c.OnTransferError(e.Code)
	case event.Disconnected:
		c.mu.Lock()
		if c.image != nil {
			c.fail(&TransferError{Reason: "link lost"})
		}
		c.mu.Unlock()
	}
}

// Active reports whether a transfer is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image != nil
}

// sendChunk sends the chunk at the current offset and arms its deadline.
// Caller holds mu.
func (c *Coordinator) sendChunk() error {
	data := protocol.ChunkAt(c.image, c.offset, c.config.ChunkSize)
	cmd, err := protocol.OTAChunk(data)
	if err != nil {
		return err
	}
	if err := c.cmd.Send(cmd); err != nil {
		return err
	}
	c.inFlight = len(data)
	slog.Debug("[OTA] chunk sent", "offset", c.offset, "size", len(data))

	c.seq++
	seq := c.seq
	c.timer = c.config.Clock.AfterFunc(c.config.AckTimeout, func() { c.onAckTimeout(seq) })
	return nil
}

func (c *Coordinator) onAckTimeout(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil || seq != c.seq || c.inFlight == 0 {
		return
	}
	c.timer = nil
	c.fail(&TransferError{Reason: fmt.Sprintf("no acknowledgement within %s", c.config.AckTimeout)})
}

// fail reports err and returns to idle. Caller holds mu.
func (c *Coordinator) fail(err *TransferError) {
	err.Offset = c.offset
	err.Total = len(c.image)
	slog.Error("[OTA] transfer failed", "offset", err.Offset, "total", err.Total, "error", err)
	c.events.Publish(event.TransferFailed{Offset: err.Offset, Total: err.Total, Err: err})
	c.status("Firmware update failed: %s", err.Reason)
	c.reset()
}

func (c *Coordinator) reset() {
	c.stopTimer()
	c.image = nil
	c.offset = 0
	c.inFlight = 0
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.seq++
}

func (c *Coordinator) status(format string, args ...any) {
	c.events.Publish(event.Status{Text: fmt.Sprintf(format, args...)})
}
