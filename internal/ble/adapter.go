// Package ble runs the pairing GATT service: a BLE peripheral that advertises
// the device id and exposes one command characteristic supporting write and
// notify. Writes are handed to a WriteHandler; replies go back through the
// NotifierSlot of the most recently subscribed central.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Pairing service BLE UUIDs
var (
	ServiceUUID     = uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")
	CommandCharUUID = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
)

// Notifier pushes a value to a subscribed central.
type Notifier interface {
	// Notify delivers data as a characteristic notification.
	Notify(data []byte) error
}

// CommandCharacteristic describes the single characteristic of the pairing service.
type CommandCharacteristic struct {
	UUID uuid.UUID
	// OnWrite receives the raw bytes of every write-with-response.
	OnWrite func(data []byte)
	// OnSubscribe receives a notifier when a central enables notifications.
	OnSubscribe func(n Notifier)
}

// Peripheral abstracts the local BLE adapter acting as a GATT server.
type Peripheral interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// StartAdvertising advertises serviceUUID with localName as the local name.
	StartAdvertising(localName string, serviceUUID uuid.UUID) error
	// StopAdvertising releases the advertisement.
	StopAdvertising() error
	// Register serves a primary GATT service holding char.
	Register(serviceUUID uuid.UUID, char CommandCharacteristic) error
	// Unregister releases the GATT application. No callbacks fire afterwards.
	Unregister() error
}

// WriteHandler consumes raw characteristic writes.
type WriteHandler interface {
	HandleWrite(ctx context.Context, data []byte)
}

// ConnectedHandler is told when a central subscribes to the command characteristic.
type ConnectedHandler interface {
	OnCentralConnected()
}
