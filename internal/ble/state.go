package ble

import "fmt"

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateReady
	StateReconnecting
	StateDisconnecting
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateScanning:      "scanning",
	StateConnecting:    "connecting",
	StateDiscovering:   "discovering-services",
	StateReady:         "ready",
	StateReconnecting:  "reconnecting",
	StateDisconnecting: "disconnecting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
