//go:build linux

package ble

import (
	"net"

	"github.com/vishvananda/netlink"
)

func hardwareAddr(iface string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, err
	}
	return link.Attrs().HardwareAddr, nil
}
