// Package protocol implements the SmartMedBox frame codec.
//
// Every frame is one opcode byte followed by raw single-byte fields in a
// fixed order. There are no length prefixes: one notification carries exactly
// one frame. The only multi-byte fields are the firmware size in the OTA
// begin command (big-endian) and the sensor readings reported by the device
// (little-endian, as the ESP32 writes them).
package protocol

import "fmt"

// Opcode is the first byte of every frame.
type Opcode byte

// Commands written to the command characteristic.
const (
	OpRequestProtocolVersion Opcode = 0x01
	OpSetReminder            Opcode = 0x10
	OpSyncTime               Opcode = 0x11
	OpCancelAllReminders     Opcode = 0x12
	OpRequestStatus          Opcode = 0x20
	OpRequestEnvironment     Opcode = 0x30
	OpRequestHistoric        Opcode = 0x31
	OpEnableRealtime         Opcode = 0x32
	OpDisableRealtime        Opcode = 0x33
	OpSetAlarm               Opcode = 0x41
	OpGuideSlot              Opcode = 0x42
	OpOTABegin               Opcode = 0x50
	OpOTAChunk               Opcode = 0x51
	OpOTAEnd                 Opcode = 0x52
)

// Events received on the data/event characteristic.
const (
	OpProtocolVersion  Opcode = 0x71
	OpStatusReport     Opcode = 0x80
	OpMedicationTaken  Opcode = 0x81
	OpTimeSyncAck      Opcode = 0x82
	OpBoxStatus        Opcode = 0x83
	OpEnvironment      Opcode = 0x90
	OpHistoricBatch    Opcode = 0x91
	OpHistoricComplete Opcode = 0x92
	OpDeviceError      Opcode = 0xEE
	OpChunkAck         Opcode = 0xA0
	OpTransferError    Opcode = 0xA1
)

// NumSlots is the number of pill compartments on the box.
const NumSlots = 8

// variable marks a layout whose payload length is not fixed.
const variable = -1

// commandLayouts maps each command opcode to its payload length.
var commandLayouts = map[Opcode]int{
	OpRequestProtocolVersion: 0,
	OpSetReminder:            3, // slotMask, hour, minute
	OpSyncTime:               6, // year-2000, month, day, hour, minute, second
	OpCancelAllReminders:     0,
	OpRequestStatus:          0,
	OpRequestEnvironment:     0,
	OpRequestHistoric:        0,
	OpEnableRealtime:         0,
	OpDisableRealtime:        0,
	OpSetAlarm:               3, // hour, minute, enabled
	OpGuideSlot:              1, // slot
	OpOTABegin:               4, // total size, big-endian
	OpOTAChunk:               variable,
	OpOTAEnd:                 0,
}

// eventMinPayload maps each event opcode to the minimum payload it needs.
var eventMinPayload = map[Opcode]int{
	OpProtocolVersion:  1,
	OpStatusReport:     1,
	OpMedicationTaken:  1,
	OpTimeSyncAck:      0,
	OpBoxStatus:        1,
	OpEnvironment:      4,
	OpHistoricBatch:    1,
	OpHistoricComplete: 0,
	OpDeviceError:      1,
	OpChunkAck:         0,
	OpTransferError:    1,
}

var opcodeNames = map[Opcode]string{
	OpRequestProtocolVersion: "request-protocol-version",
	OpSetReminder:            "set-reminder",
	OpSyncTime:               "sync-time",
	OpCancelAllReminders:     "cancel-all-reminders",
	OpRequestStatus:          "request-status",
	OpRequestEnvironment:     "request-environment",
	OpRequestHistoric:        "request-historic",
	OpEnableRealtime:         "enable-realtime",
	OpDisableRealtime:        "disable-realtime",
	OpSetAlarm:               "set-alarm",
	OpGuideSlot:              "guide-slot",
	OpOTABegin:               "ota-begin",
	OpOTAChunk:               "ota-chunk",
	OpOTAEnd:                 "ota-end",
	OpProtocolVersion:        "protocol-version",
	OpStatusReport:           "status-report",
	OpMedicationTaken:        "medication-taken",
	OpTimeSyncAck:            "time-sync-ack",
	OpBoxStatus:              "box-status",
	OpEnvironment:            "environment",
	OpHistoricBatch:          "historic-batch",
	OpHistoricComplete:       "historic-complete",
	OpDeviceError:            "device-error",
	OpChunkAck:               "chunk-ack",
	OpTransferError:          "transfer-error",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02X)", byte(o))
}

// IsCommand reports whether o is a known command opcode.
func (o Opcode) IsCommand() bool {
	_, ok := commandLayouts[o]
	return ok
}

// IsEvent reports whether o is a known event opcode.
func (o Opcode) IsEvent() bool {
	_, ok := eventMinPayload[o]
	return ok
}
