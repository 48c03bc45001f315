package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Command is an outbound frame. It can only be built by the constructors in
// this package (or decoded with DecodeCommand) and is immutable afterwards.
type Command struct {
	op      Opcode
	payload []byte
}

func newCommand(op Opcode, fields ...byte) Command {
	return Command{op: op, payload: append([]byte(nil), fields...)}
}

// Opcode returns the command opcode.
func (c Command) Opcode() Opcode { return c.op }

// Payload returns a copy of the command fields after the opcode.
func (c Command) Payload() []byte {
	return append([]byte(nil), c.payload...)
}

// Bytes encodes the command into its wire form.
func (c Command) Bytes() []byte {
	buf := make([]byte, 0, 1+len(c.payload))
	buf = append(buf, byte(c.op))
	return append(buf, c.payload...)
}

func (c Command) String() string {
	if len(c.payload) == 0 {
		return c.op.String()
	}
	return fmt.Sprintf("%s[%s]", c.op, hex.EncodeToString(c.payload))
}

// DecodeCommand parses a wire frame back into a Command. It returns false for
// empty input, unknown opcodes and payloads that do not match the layout.
func DecodeCommand(data []byte) (Command, bool) {
	if len(data) == 0 {
		return Command{}, false
	}
	op := Opcode(data[0])
	want, ok := commandLayouts[op]
	if !ok {
		return Command{}, false
	}
	payload := data[1:]
	switch {
	case want == variable && len(payload) == 0:
		return Command{}, false
	case want != variable && len(payload) != want:
		return Command{}, false
	}
	return newCommand(op, payload...), true
}

// SlotMask returns the bitmask selecting a 1-based slot.
func SlotMask(slot int) (byte, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	return 1 << uint(slot-1), nil
}

func checkSlot(slot int) error {
	if slot < 1 || slot > NumSlots {
		return fmt.Errorf("protocol: slot %d out of range 1-%d", slot, NumSlots)
	}
	return nil
}

func checkClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("protocol: hour %d out of range 0-23", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("protocol: minute %d out of range 0-59", minute)
	}
	return nil
}

// SetReminder builds 0x10 [slotMask, hour, minute].
func SetReminder(slotMask byte, hour, minute int) (Command, error) {
	if slotMask == 0 {
		return Command{}, fmt.Errorf("protocol: reminder needs at least one slot")
	}
	if err := checkClock(hour, minute); err != nil {
		return Command{}, err
	}
	return newCommand(OpSetReminder, slotMask, byte(hour), byte(minute)), nil
}

// SyncTime builds 0x11 [year-2000, month, day, hour, minute, second] from t
// in its own location.
func SyncTime(t time.Time) (Command, error) {
	year := t.Year() - 2000
	if year < 0 || year > 255 {
		return Command{}, fmt.Errorf("protocol: year %d cannot be encoded", t.Year())
	}
	return newCommand(OpSyncTime,
		byte(year),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	), nil
}

// CancelAllReminders builds 0x12.
func CancelAllReminders() Command { return newCommand(OpCancelAllReminders) }

// RequestProtocolVersion builds 0x01.
func RequestProtocolVersion() Command { return newCommand(OpRequestProtocolVersion) }

// RequestStatus builds 0x20.
func RequestStatus() Command { return newCommand(OpRequestStatus) }

// RequestEnvironment builds 0x30.
func RequestEnvironment() Command { return newCommand(OpRequestEnvironment) }

// RequestHistoric builds 0x31.
func RequestHistoric() Command { return newCommand(OpRequestHistoric) }

// SetRealtime builds 0x32 (enable) or 0x33 (disable).
func SetRealtime(enable bool) Command {
	if enable {
		return newCommand(OpEnableRealtime)
	}
	return newCommand(OpDisableRealtime)
}

// SetAlarm builds 0x41 [hour, minute, enabled].
func SetAlarm(hour, minute int, enabled bool) (Command, error) {
	if err := checkClock(hour, minute); err != nil {
		return Command{}, err
	}
	var on byte
	if enabled {
		on = 1
	}
	return newCommand(OpSetAlarm, byte(hour), byte(minute), on), nil
}

// GuideSlot builds 0x42 [slot], asking the box to present a slot for filling.
func GuideSlot(slot int) (Command, error) {
	if err := checkSlot(slot); err != nil {
		return Command{}, err
	}
	return newCommand(OpGuideSlot, byte(slot)), nil
}

// OTABegin builds 0x50 [total(4, big-endian)].
func OTABegin(total int) (Command, error) {
	if total <= 0 || uint64(total) > uint64(^uint32(0)) {
		return Command{}, fmt.Errorf("protocol: firmware size %d cannot be encoded", total)
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(total))
	return newCommand(OpOTABegin, size[:]...), nil
}

// OTAChunk builds 0x51 [data...].
func OTAChunk(data []byte) (Command, error) {
	if len(data) == 0 {
		return Command{}, fmt.Errorf("protocol: empty firmware chunk")
	}
	if len(data) > MaxChunkPayload {
		return Command{}, fmt.Errorf("protocol: firmware chunk of %d bytes exceeds %d", len(data), MaxChunkPayload)
	}
	return newCommand(OpOTAChunk, data...), nil
}

// OTAEnd builds 0x52.
func OTAEnd() Command { return newCommand(OpOTAEnd) }

// BeginSize returns the firmware size carried by an OTA begin command.
func (c Command) BeginSize() (int, bool) {
	if c.op != OpOTABegin || len(c.payload) != 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(c.payload)), true
}
