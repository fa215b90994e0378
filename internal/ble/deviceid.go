package ble

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// MaxDeviceIDLength is the longest id whose base-36 range fits in 64 bits.
const MaxDeviceIDLength = 12

// DeviceID derives the advertised device id from a hardware address: the
// first 8 bytes of its BLAKE2b-256 digest, reduced to length base-36 digits
// (upper case, zero padded) and prefixed.
func DeviceID(mac net.HardwareAddr, prefix string, length int) (string, error) {
	if len(mac) == 0 {
		return "", fmt.Errorf("ble: empty hardware address")
	}
	if length <= 0 || length > MaxDeviceIDLength {
		return "", fmt.Errorf("ble: device id length must be 1..%d, got %d", MaxDeviceIDLength, length)
	}

	sum := blake2b.Sum256(mac)
	v := binary.BigEndian.Uint64(sum[:8])

	mod := uint64(1)
	for i := 0; i < length; i++ {
		mod *= 36
	}
	digits := strings.ToUpper(strconv.FormatUint(v%mod, 36))
	if pad := length - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return prefix + digits, nil
}

// DeviceIDForInterface derives the device id from the MAC of a network interface.
func DeviceIDForInterface(iface, prefix string, length int) (string, error) {
	mac, err := hardwareAddr(iface)
	if err != nil {
		return "", fmt.Errorf("ble: hardware address of %s: %w", iface, err)
	}
	return DeviceID(mac, prefix, length)
}
