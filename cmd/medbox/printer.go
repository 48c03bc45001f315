package main

import (
	"fmt"
	"time"

	"github.com/chaz8081/medbox-link/internal/event"
	"github.com/chaz8081/medbox-link/internal/ota"
)

// print writes one line per event that a user cares about.
func (c *controller) print(ev event.Event) {
	if line := describe(ev); line != "" {
		fmt.Fprintln(c.out, line)
	}
}

func (c *controller) printProgress(p ota.Progress) {
	fmt.Fprintf(c.out, "  firmware %3d%%  %d/%d bytes  %s\n", p.Percent, p.Offset, p.Total, p.Elapsed.Round(time.Millisecond))
}

// describe renders ev for the terminal. Events covered elsewhere return "".
func describe(ev event.Event) string {
	switch e := ev.(type) {
	case event.Status:
		return "» " + e.Text
	case event.Connected:
		return fmt.Sprintf("connected to %s (%s)", e.Name, e.Address)
	case event.Disconnected:
		if e.Unexpected {
			return fmt.Sprintf("link to %s lost", e.Address)
		}
		return fmt.Sprintf("disconnected from %s", e.Address)
	case event.ReconnectFailed:
		return fmt.Sprintf("gave up on %s after %d attempts", e.Address, e.Attempts)
	case event.MedicationTaken:
		return fmt.Sprintf("dose taken from slot %d", e.Slot)
	case event.BoxStatus:
		if e.Fill {
			return ""
		}
		return "filled slots: " + slotList(e.Mask)
	case event.ProtocolVersion:
		return fmt.Sprintf("device protocol version %d", e.Version)
	case event.Environment:
		return fmt.Sprintf("temperature %.1f°C, humidity %.1f%%", e.Temperature, e.Humidity)
	case event.HistoricEnvironment:
		return fmt.Sprintf("%s  %.1f°C  %.1f%%", e.Time.Local().Format("2006-01-02 15:04"), e.Temperature, e.Humidity)
	case event.FillStepConfirmed:
		return fmt.Sprintf("slot %d filled, %d to go", e.Slot, e.Remaining)
	}
	return ""
}

func slotList(mask byte) string {
	if mask == 0 {
		return "none"
	}
	out := ""
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if out != "" {
			out += ","
		}
		out += fmt.Sprint(i + 1)
	}
	return out
}
