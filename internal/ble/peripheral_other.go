//go:build !linux

package ble

import "errors"

// NewPeripheral is only implemented on Linux (BlueZ).
func NewPeripheral() (Peripheral, error) {
	return nil, errors.New("ble: GATT peripheral is only supported on linux")
}
