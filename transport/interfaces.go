package transport

import (
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
)

// InterfaceInfo describes a network interface that can host a fieldbus segment.
type InterfaceInfo struct {
	Name        string   // system interface name (e.g. "eth0", "\Device\NPF_{GUID}")
	Description string   // human-readable description from libpcap
	Addresses   []string // IP addresses assigned to the interface
	IsUp        bool
	IsLoopback  bool
}

// ListInterfaces returns the interfaces libpcap can open.
func ListInterfaces() ([]InterfaceInfo, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("find network devices: %w", err)
	}

	interfaces := make([]InterfaceInfo, 0, len(devices))
	for _, device := range devices {
		info := InterfaceInfo{
			Name:        device.Name,
			Description: device.Description,
		}

		for _, addr := range device.Addresses {
			if addr.IP == nil {
				continue
			}
			info.Addresses = append(info.Addresses, addr.IP.String())
			if addr.IP.IsLoopback() {
				info.IsLoopback = true
			}
		}

		if iface, err := net.InterfaceByName(device.Name); err == nil {
			info.IsUp = iface.Flags&net.FlagUp != 0
			info.IsLoopback = info.IsLoopback || iface.Flags&net.FlagLoopback != 0
		}

		interfaces = append(interfaces, info)
	}

	return interfaces, nil
}
