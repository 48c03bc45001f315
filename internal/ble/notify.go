package ble

import (
	"fmt"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
)

// Device error codes reported with OpDeviceError.
var deviceErrors = map[byte]string{
	0x01: "dispenser jammed",
	0x02: "sensor error",
	0x03: "unknown command",
	0x04: "storage access error",
	0x05: "command length error",
}

// DeviceErrorText describes a device error code.
func DeviceErrorText(code byte) string {
	if text, ok := deviceErrors[code]; ok {
		return text
	}
	return fmt.Sprintf("error 0x%02X", code)
}

// translate maps a decoded frame to the events it produces.
func translate(f protocol.EventFrame) []event.Event {
	switch f.Opcode {
	case protocol.OpMedicationTaken:
		return []event.Event{event.MedicationTaken{Slot: int(f.Arg())}}
	case protocol.OpTimeSyncAck:
		return []event.Event{event.TimeSyncAck{}}
	case protocol.OpBoxStatus:
		return []event.Event{event.BoxStatus{Mask: f.Arg(), Fill: true}}
	case protocol.OpStatusReport:
		return []event.Event{event.BoxStatus{Mask: f.Arg()}}
	case protocol.OpProtocolVersion:
		return []event.Event{event.ProtocolVersion{Version: int(f.Arg())}}
	case protocol.OpEnvironment:
		temp, hum, ok := f.Environment()
		if !ok {
			return nil
		}
		return []event.Event{event.Environment{Temperature: temp, Humidity: hum}}
	case protocol.OpHistoricBatch:
		records := f.HistoricRecords()
		out := make([]event.Event, 0, len(records))
		for _, r := range records {
			out = append(out, event.HistoricEnvironment{
				Time:        r.Time,
				Temperature: r.Temperature,
				Humidity:    r.Humidity,
			})
		}
		return out
	case protocol.OpHistoricComplete:
		return []event.Event{event.HistoricComplete{}}
	case protocol.OpDeviceError:
		code := f.Arg()
		return []event.Event{
			event.DeviceError{Code: int(code)},
			event.Status{Text: "Device error: " + DeviceErrorText(code)},
		}
	case protocol.OpChunkAck:
		return []event.Event{event.ChunkAck{}}
	case protocol.OpTransferError:
		return []event.Event{event.TransferRejected{Code: int(f.Arg())}}
	}
	return nil
}
