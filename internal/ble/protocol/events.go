package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// historicRecordSize is one stored reading: ts u32, temp i16, humidity i16.
const historicRecordSize = 8

// EventFrame is an inbound frame that passed DecodeEvent.
type EventFrame struct {
	Opcode  Opcode
	Payload []byte
}

// DecodeEvent parses one notification. Empty input, unknown opcodes and
// payloads too short for their opcode yield false: the data channel may carry
// vendor or debug frames, so these are dropped rather than treated as errors.
func DecodeEvent(data []byte) (EventFrame, bool) {
	if len(data) == 0 {
		return EventFrame{}, false
	}
	op := Opcode(data[0])
	need, ok := eventMinPayload[op]
	if !ok {
		return EventFrame{}, false
	}
	payload := data[1:]
	if len(payload) < need {
		return EventFrame{}, false
	}
	if op == OpHistoricBatch {
		count := int(payload[0])
		if count == 0 || len(payload) < 1+count*historicRecordSize {
			return EventFrame{}, false
		}
	}
	return EventFrame{Opcode: op, Payload: append([]byte(nil), payload...)}, true
}

// Bytes encodes the frame into its wire form.
func (f EventFrame) Bytes() []byte {
	buf := make([]byte, 0, 1+len(f.Payload))
	buf = append(buf, byte(f.Opcode))
	return append(buf, f.Payload...)
}

func (f EventFrame) String() string {
	if len(f.Payload) == 0 {
		return f.Opcode.String()
	}
	return fmt.Sprintf("%s[%s]", f.Opcode, hex.EncodeToString(f.Payload))
}

// Arg returns payload byte 1 of the wire frame (the first field).
func (f EventFrame) Arg() byte {
	if len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}

// Environment decodes a 0x90 reading into degrees Celsius and percent humidity.
func (f EventFrame) Environment() (temperature, humidity float64, ok bool) {
	if f.Opcode != OpEnvironment || len(f.Payload) < 4 {
		return 0, 0, false
	}
	t := int16(binary.LittleEndian.Uint16(f.Payload[0:2]))
	h := int16(binary.LittleEndian.Uint16(f.Payload[2:4]))
	return float64(t) / 100, float64(h) / 100, true
}

// HistoricRecord is one reading from a 0x91 batch.
type HistoricRecord struct {
	Time        time.Time
	Temperature float64
	Humidity    float64
}

// HistoricRecords decodes a 0x91 batch.
func (f EventFrame) HistoricRecords() []HistoricRecord {
	if f.Opcode != OpHistoricBatch || len(f.Payload) == 0 {
		return nil
	}
	count := int(f.Payload[0])
	data := f.Payload[1:]
	if len(data) < count*historicRecordSize {
		return nil
	}
	records := make([]HistoricRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := data[i*historicRecordSize : (i+1)*historicRecordSize]
		ts := binary.LittleEndian.Uint32(rec[0:4])
		t := int16(binary.LittleEndian.Uint16(rec[4:6]))
		h := int16(binary.LittleEndian.Uint16(rec[6:8]))
		records = append(records, HistoricRecord{
			Time:        time.Unix(int64(ts), 0).UTC(),
			Temperature: float64(t) / 100,
			Humidity:    float64(h) / 100,
		})
	}
	return records
}

// NewEvent builds an event frame, for device simulators and tests.
func NewEvent(op Opcode, payload ...byte) EventFrame {
	return EventFrame{Opcode: op, Payload: append([]byte(nil), payload...)}
}

// EnvironmentEvent builds a 0x90 reading.
func EnvironmentEvent(temperature, humidity float64) EventFrame {
	var p [4]byte
	binary.LittleEndian.PutUint16(p[0:2], uint16(centi(temperature)))
	binary.LittleEndian.PutUint16(p[2:4], uint16(centi(humidity)))
	return NewEvent(OpEnvironment, p[:]...)
}

// HistoricEvent builds a 0x91 batch.
func HistoricEvent(records []HistoricRecord) EventFrame {
	payload := make([]byte, 1, 1+len(records)*historicRecordSize)
	payload[0] = byte(len(records))
	for _, r := range records {
		var rec [historicRecordSize]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(r.Time.Unix()))
		binary.LittleEndian.PutUint16(rec[4:6], uint16(centi(r.Temperature)))
		binary.LittleEndian.PutUint16(rec[6:8], uint16(centi(r.Humidity)))
		payload = append(payload, rec[:]...)
	}
	return EventFrame{Opcode: OpHistoricBatch, Payload: payload}
}

func centi(v float64) int16 {
	return int16(math.Round(v * 100))
}
