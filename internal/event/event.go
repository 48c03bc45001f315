// Package event defines the events a pill-box session reports to its observers
// and the ordered in-process bus that delivers them.
//
// Event is a closed set: every concrete type lives in this package, so a type
// switch over Event in an observer covers all cases the controller can emit.
package event

import "time"

// Event is implemented by every value published on a Bus.
type Event interface {
	isEvent()
}

// Status is a human-readable progress or failure line for the UI.
type Status struct {
	Text string
}

// StateChanged reports a connection state machine transition.
type StateChanged struct {
	From string
	To   string
}

// Connected is emitted once the command and event channels are usable.
type Connected struct {
	Name    string
	Address string
}

// Disconnected is emitted whenever an established link goes away.
// Unexpected is true when the radio dropped the link rather than the user.
type Disconnected struct {
	Address    string
	Unexpected bool
}

// ReconnectStarted is emitted when the session enters automatic reconnection.
type ReconnectStarted struct {
	Address string
}

// ReconnectFailed is emitted when the reconnect budget is exhausted.
type ReconnectFailed struct {
	Address  string
	Attempts int
}

// MedicationTaken reports that the user took the dose from a slot.
type MedicationTaken struct {
	Slot int
}

// TimeSyncAck acknowledges a time sync (and other settings writes).
type TimeSyncAck struct{}

// BoxStatus carries a slot bitmask. Fill is set when the frame was a
// fill confirmation rather than a status report.
type BoxStatus struct {
	Mask byte
	Fill bool
}

// ConfirmedSlot returns the 1-based slot confirmed by a fill frame.
// A confirmation names exactly one slot, so masks with zero or several
// bits set do not confirm anything.
func (b BoxStatus) ConfirmedSlot() (int, bool) {
	if !b.Fill || b.Mask == 0 || b.Mask&(b.Mask-1) != 0 {
		return 0, false
	}
	for i := 0; i < 8; i++ {
		if b.Mask == 1<<uint(i) {
			return i + 1, true
		}
	}
	return 0, false
}

// ProtocolVersion reports the protocol version spoken by the device.
type ProtocolVersion struct {
	Version int
}

// Environment is a realtime temperature/humidity reading.
type Environment struct {
	Temperature float64
	Humidity    float64
}

// HistoricEnvironment is one stored reading replayed by the device.
type HistoricEnvironment struct {
	Time        time.Time
	Temperature float64
	Humidity    float64
}

// HistoricComplete marks the end of a historic replay.
type HistoricComplete struct{}

// DeviceError is the generic numeric error-code report from the device.
type DeviceError struct {
	Code int
}

// ChunkAck acknowledges the firmware chunk currently in flight.
type ChunkAck struct{}

// TransferRejected reports that the device aborted a firmware transfer.
type TransferRejected struct {
	Code int
}

// FillStepStarted is emitted when the device is asked to present a slot.
type FillStepStarted struct {
	Slot      int
	Remaining int
}

// FillStepConfirmed is emitted after a confirmed step was committed.
type FillStepConfirmed struct {
	Slot      int
	Remaining int
}

// FillComplete is emitted when the last queued slot was confirmed.
type FillComplete struct {
	Filled int
}

// FillCancelled is emitted when an active workflow ends early.
// Already confirmed slots stay committed.
type FillCancelled struct {
	Filled    int
	Remaining int
}

// TransferProgress reports acknowledged firmware bytes.
type TransferProgress struct {
	Offset  int
	Total   int
	Percent int
}

// TransferComplete is emitted after the end command was sent.
type TransferComplete struct {
	Total int
}

// TransferFailed is emitted when a transfer is aborted.
type TransferFailed struct {
	Offset int
	Total  int
	Err    error
}

func (Status) isEvent()              {}
func (StateChanged) isEvent()        {}
func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}
func (ReconnectStarted) isEvent()    {}
func (ReconnectFailed) isEvent()     {}
func (MedicationTaken) isEvent()     {}
func (TimeSyncAck) isEvent()         {}
func (BoxStatus) isEvent()           {}
func (ProtocolVersion) isEvent()     {}
func (Environment) isEvent()         {}
func (HistoricEnvironment) isEvent() {}
func (HistoricComplete) isEvent()    {}
func (DeviceError) isEvent()         {}
func (ChunkAck) isEvent()            {}
func (TransferRejected) isEvent()    {}
func (FillStepStarted) isEvent()     {}
func (FillStepConfirmed) isEvent()   {}
func (FillComplete) isEvent()        {}
func (FillCancelled) isEvent()       {}
func (TransferProgress) isEvent()    {}
func (TransferComplete) isEvent()    {}
func (TransferFailed) isEvent()      {}
