//go:build linux

package ble

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// BluezPeripheral wraps tinygo-org/bluetooth as a GATT server on Linux (BlueZ).
//
// BlueZ has no way to withdraw an application registered through tinygo, so
// the GATT service is registered once per process. Unregister detaches the
// callbacks instead; writes arriving while detached are dropped.
//
// tinygo does not surface CCCD subscriptions on Linux. A central connecting
// to the adapter is treated as the subscribe event.
type BluezPeripheral struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu            sync.Mutex
	enabled       bool
	adv           *bluetooth.Advertisement
	advConfigured bool
	registered    uuid.UUID
	char          bluetooth.Characteristic
	onWrite       func([]byte)
	onSubscribe   func(Notifier)
}

// NewPeripheral creates a peripheral on the default BlueZ adapter.
func NewPeripheral() (Peripheral, error) {
	return &BluezPeripheral{adapter: bluetooth.DefaultAdapter}, nil
}

func (p *BluezPeripheral) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		return nil
	}
	if err := p.adapter.Enable(); err != nil {
		return err
	}

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			return
		}
		p.mu.Lock()
		cb := p.onSubscribe
		p.mu.Unlock()
		if cb != nil {
			cb(&characteristicNotifier{char: &p.char})
		}
	})

	p.enabled = true
	return nil
}

func (p *BluezPeripheral) StartAdvertising(localName string, serviceUUID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adv == nil {
		p.adv = p.adapter.DefaultAdvertisement()
		if p.adv == nil {
			return errors.New("ble: default advertisement is nil")
		}
	}
	// The advertisement can only be configured once; the local name and
	// service never change within a process.
	if !p.advConfigured {
		err := p.adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    localName,
			ServiceUUIDs: []bluetooth.UUID{bluetooth.NewUUID(serviceUUID)},
		})
		if err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		p.advConfigured = true
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	return nil
}

func (p *BluezPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adv == nil {
		return nil
	}
	return p.adv.Stop()
}

func (p *BluezPeripheral) Register(serviceUUID uuid.UUID, char CommandCharacteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered == (uuid.UUID{}) {
		err := p.adapter.AddService(&bluetooth.Service{
			UUID: bluetooth.NewUUID(serviceUUID),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &p.char,
					UUID:   bluetooth.NewUUID(char.UUID),
					Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
					WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
						p.mu.Lock()
						cb := p.onWrite
						p.mu.Unlock()
						if cb != nil {
							cb(value)
						}
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("ble: add service: %w", err)
		}
		p.registered = serviceUUID
	} else if p.registered != serviceUUID {
		return fmt.Errorf("ble: service %s already registered, cannot register %s", p.registered, serviceUUID)
	}

	p.onWrite = char.OnWrite
	p.onSubscribe = char.OnSubscribe
	return nil
}

func (p *BluezPeripheral) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = nil
	p.onSubscribe = nil
	return nil
}

// Compile-time check that BluezPeripheral implements Peripheral.
var _ Peripheral = (*BluezPeripheral)(nil)

type characteristicNotifier struct {
	char *bluetooth.Characteristic
}

// Notify updates the characteristic value, which BlueZ sends as a notification.
// tinygo also raises the characteristic's own WriteEvent with data before
// updating the value; Service drops that echo.
func (n *characteristicNotifier) Notify(data []byte) error {
	_, err := n.char.Write(data)
	return err
}
