// Package fill runs the guided-fill workflow: the pill box presents one slot
// at a time and the user confirms each slot on the device before the next
// one is presented.
package fill

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
	"github.com/chaz8081/medbox-link/internal/store"
)

var (
	// ErrActive is returned by Enqueue while a workflow is running.
	ErrActive = errors.New("fill: workflow already active")
	// ErrNoSteps is returned by Enqueue for an empty batch.
	ErrNoSteps = errors.New("fill: no steps")
	// ErrInvalidSlot is returned by Enqueue for a slot outside 1..8.
	ErrInvalidSlot = errors.New("fill: invalid slot")
)

// Step asks the user to fill one slot.
type Step struct {
	Slot int
}

// Commander sends commands to the pill box. *ble.Session implements it.
type Commander interface {
	Send(cmd protocol.Command) error
}

// Store receives committed steps and supplies the reminder schedule that is
// pushed to the device once a workflow completes.
type Store interface {
	RecordFill(slot int) error
	Reminders() ([]store.Reminder, error)
}

// Coordinator sequences fill steps. Safe for concurrent use.
type Coordinator struct {
	cmd    Commander
	store  Store
	events event.Publisher

	mu     sync.Mutex
	queue  []Step
	filled int
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(cmd Commander, st Store, events event.Publisher) *Coordinator {
	if cmd == nil || st == nil || events == nil {
		panic("fill: nil dependency")
	}
	return &Coordinator{cmd: cmd, store: st, events: events}
}

// Enqueue starts a workflow and presents the first slot. It is rejected
// while another workflow is active.
func (c *Coordinator) Enqueue(steps []Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) > 0 {
		c.status("Guided fill already in progress")
		return ErrActive
	}
	if len(steps) == 0 {
		c.status("Nothing to fill")
		return ErrNoSteps
	}
	for _, s := range steps {
		if s.Slot < 1 || s.Slot > protocol.NumSlots {
			c.status("Invalid slot %d", s.Slot)
			return fmt.Errorf("%w: %d", ErrInvalidSlot, s.Slot)
		}
	}

	c.queue = append([]Step(nil), steps...)
	c.filled = 0
	slog.Info("[FILL] workflow started", "steps", len(c.queue))
	if err := c.present(); err != nil {
		c.queue = nil
		return err
	}
	return nil
}

// OnFillConfirmed handles the device confirming slot. Confirmations for
// anything but the head of the queue are ignored.
func (c *Coordinator) OnFillConfirmed(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		slog.Debug("[FILL] confirmation without workflow", "slot", slot)
		return
	}
	if head := c.queue[0].Slot; head != slot {
		slog.Debug("[FILL] ignoring confirmation", "slot", slot, "expected", head)
		return
	}

	c.queue = c.queue[1:]
	c.filled++
	if err := c.store.RecordFill(slot); err != nil {
		slog.Error("[FILL] record fill", "slot", slot, "error", err)
		c.status("Could not save slot %d", slot)
	}
	slog.Info("[FILL] slot confirmed", "slot", slot, "remaining", len(c.queue))
	c.events.Publish(event.FillStepConfirmed{Slot: slot, Remaining: len(c.queue)})

	if len(c.queue) > 0 {
		if err := c.present(); err != nil {
			c.abort()
		}
		return
	}

	c.queue = nil
	slog.Info("[FILL] workflow complete", "filled", c.filled)
	c.events.Publish(event.FillComplete{Filled: c.filled})
	c.status("Guided fill complete")
	c.syncReminders()
}

// Cancel ends the workflow. Slots already confirmed stay recorded.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return
	}
	c.abort()
}

// HandleEvent feeds bus events to the coordinator. Subscribe it to the bus
// before any UI observer.
func (c *Coordinator) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.BoxStatus:
		if slot, ok := e.ConfirmedSlot(); ok {
			c.OnFillConfirmed(slot)
		}
	case event.Disconnected:
		if c.Active() {
			slog.Warn("[FILL] link lost, cancelling workflow")
			c.Cancel()
		}
	}
}

// Active reports whether a workflow is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// Pending returns the steps not yet confirmed, head first.
func (c *Coordinator) Pending() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Step(nil), c.queue...)
}

// present sends the guide command for the queue head. Caller holds mu.
func (c *Coordinator) present() error {
	head := c.queue[0]
	cmd, err := protocol.GuideSlot(head.Slot)
	if err != nil {
		return err
	}
	if err := c.cmd.Send(cmd); err != nil {
		slog.Error("[FILL] present slot", "slot", head.Slot, "error", err)
		return fmt.Errorf("fill: present slot %d: %w", head.Slot, err)
	}
	c.events.Publish(event.FillStepStarted{Slot: head.Slot, Remaining: len(c.queue)})
	c.status("Fill slot %d", head.Slot)
	return nil
}

// abort clears the queue and reports the partial outcome. Caller holds mu.
func (c *Coordinator) abort() {
	remaining := len(c.queue)
	c.queue = nil
	slog.Info("[FILL] workflow cancelled", "filled", c.filled, "remaining", remaining)
	c.events.Publish(event.FillCancelled{Filled: c.filled, Remaining: remaining})
	c.status("Guided fill stopped, %d slot(s) filled", c.filled)
}

func (c *Coordinator) syncReminders() {
	reminders, err := c.store.Reminders()
	if err != nil {
		slog.Error("[FILL] load reminders", "error", err)
		c.status("Could not load reminders")
		return
	}
	if err := SyncReminders(c.cmd, reminders); err != nil {
		c.status("Reminder sync failed")
	}
}

func (c *Coordinator) status(format string, args ...any) {
	c.events.Publish(event.Status{Text: fmt.Sprintf(format, args...)})
}

// SyncReminders replaces the device schedule: cancel-all followed by one
// set-reminder per entry.
func SyncReminders(cmd Commander, reminders []store.Reminder) error {
	if err := cmd.Send(protocol.CancelAllReminders()); err != nil {
		return fmt.Errorf("fill: cancel reminders: %w", err)
	}
	for _, r := range reminders {
		mask, err := protocol.SlotMask(r.Slot)
		if err != nil {
			slog.Warn("[FILL] skipping reminder", "slot", r.Slot, "error", err)
			continue
		}
		set, err := protocol.SetReminder(mask, r.Hour, r.Minute)
		if err != nil {
			slog.Warn("[FILL] skipping reminder", "slot", r.Slot, "error", err)
			continue
		}
		if err := cmd.Send(set); err != nil {
			return fmt.Errorf("fill: set reminder for slot %d: %w", r.Slot, err)
		}
	}
	slog.Info("[FILL] reminders synced", "count", len(reminders))
	return nil
}
