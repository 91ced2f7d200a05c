package models

import (
	"fmt"
	"strconv"
	"strings"
)

type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
	// TransportAttlog reads a USB-exported attlog.dat file at Address.
	TransportAttlog Transport = "attlog"
)

// DeviceTarget is the configuration for one terminal. Immutable once loaded.
type DeviceTarget struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Transport Transport `json:"transport"`
}

func (d DeviceTarget) String() string {
	if d.Transport == TransportAttlog {
		return fmt.Sprintf("%s (%s)", d.Name, d.Address)
	}
	return fmt.Sprintf("%s (%s:%d/%s)", d.Name, d.Address, d.Port, d.Transport)
}

// ParseDeviceTarget parses "name|address|port|transport". Port and transport
// may be omitted and default to 4370/tcp.
func ParseDeviceTarget(s string) (DeviceTarget, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) < 2 || len(parts) > 4 {
		return DeviceTarget{}, fmt.Errorf("invalid device %q: want name|address|port|transport", s)
	}

	target := DeviceTarget{
		Name:      strings.TrimSpace(parts[0]),
		Address:   strings.TrimSpace(parts[1]),
		Port:      4370,
		Transport: TransportTCP,
	}
	if target.Name == "" || target.Address == "" {
		return DeviceTarget{}, fmt.Errorf("invalid device %q: name and address are required", s)
	}

	if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || port < 0 || port > 65535 {
			return DeviceTarget{}, fmt.Errorf("invalid device %q: bad port %q", s, parts[2])
		}
		target.Port = port
	}

	if len(parts) == 4 && strings.TrimSpace(parts[3]) != "" {
		switch t := Transport(strings.ToLower(strings.TrimSpace(parts[3]))); t {
		case TransportTCP, TransportUDP, TransportAttlog:
			target.Transport = t
		default:
			return DeviceTarget{}, fmt.Errorf("invalid device %q: unknown transport %q", s, parts[3])
		}
	}

	return target, nil
}
