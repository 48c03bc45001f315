// Package ble provides the session manager for a SmartMedBox pill dispenser.
// It drives the platform radio through the Adapter abstraction: scanning,
// connecting, resolving the command and event characteristics, dispatching
// commands and turning notifications into events.
package ble

import "context"

// SmartMedBox GATT UUIDs
const (
	ServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8" // write-only command channel
	EventCharUUID   = "c8c7c599-809c-43a5-b825-1038aa349e5d" // notify-only data/event channel

	// CCCDUUID is the standard Client Characteristic Configuration descriptor.
	// Adapters write it to enable notifications on the event channel.
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is the handle of a discovered peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. It fails when the radio is off or
	// missing.
	Enable() error
	// Scan reports peripherals advertising serviceUUID to found until ctx is
	// cancelled. found may be called from any goroutine.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
